package arq

import (
	"bytes"
	"io"

	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// Input 处理一个入站数据报，可能包含多个报文
// 出现帧错误时已解析的报文仍然生效，剩余部分被丢弃并返回错误
// 输入缓冲区只在调用期间被借用，数据分片会被拷贝
func (c *Conversation) Input(data []byte) error {
	if c.filter != nil {
		var ok bool
		if data, ok = c.filter(data); !ok {
			return nil
		}
	}
	if len(data) < Overhead {
		c.counters.inErrs++
		return errors.Wrapf(ErrShortHeader, "datagram of %d bytes", len(data))
	}

	prevUna := c.sndUna
	var maxack uint32
	var acked bool
	var err error

	for len(data) > 0 {
		var seg Segment
		var rest []byte
		seg, rest, err = DecodeSegment(data)
		if err != nil {
			break
		}
		if seg.Conv != c.conv {
			if c.convBound {
				err = errors.Wrapf(ErrConvMismatch, "got conv %d, want %d", seg.Conv, c.conv)
				break
			}
			c.log.Debug("adopt conversation id", logger.Uint32("old", c.conv), logger.Uint32("new", seg.Conv))
			c.conv = seg.Conv
		}
		c.convBound = true
		data = rest

		c.counters.inSegs++
		c.counters.inBytes += uint64(Overhead + len(seg.Data))

		c.rmtWnd = uint32(seg.Wnd)
		c.parseUna(seg.Una)
		c.shrinkBuf()

		switch seg.Cmd {
		case CmdAck:
			if rtt := timediff(c.current, seg.Ts); rtt >= 0 {
				c.updateAck(rtt)
			}
			c.parseAck(seg.Sn)
			c.shrinkBuf()
			if !acked {
				acked = true
				maxack = seg.Sn
			} else if timediff(seg.Sn, maxack) > 0 {
				maxack = seg.Sn
			}
		case CmdPush:
			if timediff(seg.Sn, c.rcvNxt+c.rcvWnd) < 0 {
				c.ackList = append(c.ackList, ackItem{sn: seg.Sn, ts: seg.Ts})
				if timediff(seg.Sn, c.rcvNxt) >= 0 {
					if c.parseData(seg) {
						c.counters.repeatSegs++
					}
				} else {
					c.counters.repeatSegs++
				}
			}
		case CmdWask:
			// 对端询问窗口，下次刷新时回复WINS
			c.probe |= askTell
		case CmdWins:
		}
	}

	if err != nil {
		c.counters.inErrs++
		c.log.Debug("reject datagram remainder", logger.Uint32("conv", c.conv), logger.Err(err))
	}

	if acked {
		c.parseFastack(maxack)
	}

	if timediff(c.sndUna, prevUna) > 0 && !c.noCwnd {
		c.cc.OnAck(c.rmtWnd)
	}
	return err
}

// parseData 将数据分片按sn有序插入乱序缓存，返回是否重复
func (c *Conversation) parseData(seg Segment) bool {
	sn := seg.Sn
	if timediff(sn, c.rcvNxt+c.rcvWnd) >= 0 || timediff(sn, c.rcvNxt) < 0 {
		return true
	}

	n := len(c.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		cur := &c.rcvBuf[i]
		if cur.Sn == sn {
			repeat = true
			break
		}
		if timediff(sn, cur.Sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		payload := allocData(len(seg.Data))
		copy(payload, seg.Data)
		seg.Data = payload

		if insertIdx == n+1 {
			c.rcvBuf = append(c.rcvBuf, seg)
		} else {
			c.rcvBuf = append(c.rcvBuf, Segment{})
			copy(c.rcvBuf[insertIdx+1:], c.rcvBuf[insertIdx:])
			c.rcvBuf[insertIdx] = seg
		}
	}

	c.moveToQueue()
	return repeat
}

// moveToQueue 将乱序缓存中从rcvNxt开始连续的分片移入交付队列，交付队列不超过接收窗口
func (c *Conversation) moveToQueue() {
	count := 0
	for i := range c.rcvBuf {
		if c.rcvBuf[i].Sn == c.rcvNxt && len(c.rcvQueue)+count < int(c.rcvWnd) {
			c.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		c.rcvQueue = append(c.rcvQueue, c.rcvBuf[:count]...)
		c.rcvBuf = removeFront(c.rcvBuf, count)
	}
}

// PeekSize 交付队列头部完整消息的长度，消息未收齐或队列为空时返回-1
func (c *Conversation) PeekSize() int {
	if len(c.rcvQueue) == 0 {
		return -1
	}
	head := &c.rcvQueue[0]
	if head.Frg == 0 {
		return len(head.Data)
	}
	if len(c.rcvQueue) < int(head.Frg)+1 {
		return -1
	}
	length := 0
	for i := range c.rcvQueue {
		length += len(c.rcvQueue[i].Data)
		if c.rcvQueue[i].Frg == 0 {
			break
		}
	}
	return length
}

// Recv 读取一条完整消息到buf，返回字节数
func (c *Conversation) Recv(buf []byte) (int, error) {
	size := c.PeekSize()
	if size < 0 {
		return 0, ErrWouldBlock
	}
	if size > len(buf) {
		return 0, errors.Wrapf(ErrMessageTooLarge, "message of %d bytes, buffer %d", size, len(buf))
	}
	w := bytes.NewBuffer(buf[:0])
	return c.popMessage(w)
}

// RecvTo 将一条完整消息写入w
func (c *Conversation) RecvTo(w io.Writer) (int, error) {
	if c.PeekSize() < 0 {
		return 0, ErrWouldBlock
	}
	return c.popMessage(w)
}

// ReadMessage 读取一条完整消息到新分配的切片
func (c *Conversation) ReadMessage() ([]byte, error) {
	size := c.PeekSize()
	if size < 0 {
		return nil, ErrWouldBlock
	}
	buf := make([]byte, size)
	n, err := c.Recv(buf)
	return buf[:n], err
}

// popMessage 合并头部消息的全部分片写入sink，移出队列并补充交付队列
// 调用方保证头部消息已完整
func (c *Conversation) popMessage(sink io.Writer) (int, error) {
	wasFull := len(c.rcvQueue) >= int(c.rcvWnd)

	n, count := 0, 0
	var werr error
	for i := range c.rcvQueue {
		seg := &c.rcvQueue[i]
		if werr == nil {
			m, err := sink.Write(seg.Data)
			n += m
			werr = err
		}
		freeData(seg.Data)
		count++
		if seg.Frg == 0 {
			break
		}
	}
	if count > 0 {
		c.rcvQueue = removeFront(c.rcvQueue, count)
	}

	c.moveToQueue()

	// 交付队列从满变为未满，主动告知对端窗口（快速恢复）
	if wasFull && len(c.rcvQueue) < int(c.rcvWnd) {
		c.probe |= askTell
	}
	if werr != nil {
		return n, errors.Wrap(werr, "write message to sink")
	}
	return n, nil
}

func (c *Conversation) wndUnused() uint16 {
	if len(c.rcvQueue) < int(c.rcvWnd) {
		free := int(c.rcvWnd) - len(c.rcvQueue)
		if free > 0xffff {
			free = 0xffff
		}
		return uint16(free)
	}
	return 0
}
