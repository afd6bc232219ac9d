package arq

import (
	"io"

	"github.com/pkg/errors"
)

// Send 将一条消息切分为分片放入发送队列，不会阻塞
// 消息模式下frg从count-1递减到0；流模式下短写入优先追加到队尾分片
func (c *Conversation) Send(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyInput
	}

	mss := int(c.mss)
	rest := len(p)
	if c.stream {
		rest -= c.tailRoom()
	}
	count := 0
	if rest > 0 {
		count = (rest + mss - 1) / mss
	}
	if count > MaxFragments {
		return errors.Wrapf(ErrTooManyFragments, "%d bytes need %d fragments of %d", rest, count, mss)
	}

	// 检查通过后再修改队列
	if c.stream {
		p = c.appendToTail(p)
		if len(p) == 0 {
			return nil
		}
	}

	for i := 0; i < count; i++ {
		size := len(p)
		if size > mss {
			size = mss
		}
		seg := Segment{Data: allocData(size)}
		copy(seg.Data, p[:size])
		if !c.stream {
			seg.Frg = uint8(count - i - 1)
		}
		c.sndQueue = append(c.sndQueue, seg)
		p = p[size:]
	}
	return nil
}

// SendFrom 从字节源读取完整的一条消息并发送
func (c *Conversation) SendFrom(r io.Reader) (int, error) {
	limit := int64(MaxFragments)*int64(c.mss) + 1
	p, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return 0, errors.Wrap(err, "read message source")
	}
	if err := c.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// tailRoom 发送队列尾部分片的剩余空间
func (c *Conversation) tailRoom() int {
	n := len(c.sndQueue)
	if n == 0 {
		return 0
	}
	room := int(c.mss) - len(c.sndQueue[n-1].Data)
	if room < 0 {
		return 0
	}
	return room
}

// appendToTail 流模式：填满发送队列尾部分片的剩余空间，返回未能写入的部分
func (c *Conversation) appendToTail(p []byte) []byte {
	room := c.tailRoom()
	if room == 0 {
		return p
	}
	tail := &c.sndQueue[len(c.sndQueue)-1]
	extend := room
	if len(p) < extend {
		extend = len(p)
	}
	old := len(tail.Data)
	if cap(tail.Data) >= old+extend {
		tail.Data = tail.Data[:old+extend]
	} else {
		grown := allocData(old + extend)
		copy(grown, tail.Data)
		freeData(tail.Data)
		tail.Data = grown
	}
	copy(tail.Data[old:], p[:extend])
	return p[extend:]
}

// parseUna 累计确认：移除所有sn < una的在途分片
func (c *Conversation) parseUna(una uint32) int {
	count := 0
	for i := range c.sndBuf {
		if timediff(una, c.sndBuf[i].Sn) > 0 {
			freeData(c.sndBuf[i].Data)
			count++
		} else {
			break
		}
	}
	if count > 0 {
		c.sndBuf = removeFront(c.sndBuf, count)
	}
	return count
}

// parseAck 精确确认：移除sn匹配的在途分片
func (c *Conversation) parseAck(sn uint32) {
	if timediff(sn, c.sndUna) < 0 || timediff(sn, c.sndNxt) >= 0 {
		return
	}
	for i := range c.sndBuf {
		seg := &c.sndBuf[i]
		if sn == seg.Sn {
			freeData(seg.Data)
			last := len(c.sndBuf) - 1
			copy(c.sndBuf[i:], c.sndBuf[i+1:])
			c.sndBuf[last] = Segment{}
			c.sndBuf = c.sndBuf[:last]
			return
		}
		if timediff(sn, seg.Sn) < 0 {
			return
		}
	}
}

// parseFastack 本批输入中最大被确认sn之前的在途分片，跳过计数加一
func (c *Conversation) parseFastack(maxack uint32) {
	if timediff(maxack, c.sndUna) < 0 || timediff(maxack, c.sndNxt) >= 0 {
		return
	}
	for i := range c.sndBuf {
		seg := &c.sndBuf[i]
		if timediff(maxack, seg.Sn) < 0 {
			break
		} else if maxack != seg.Sn {
			seg.fastack++
		}
	}
}

// shrinkBuf 依据在途队列刷新sndUna
func (c *Conversation) shrinkBuf() {
	if len(c.sndBuf) > 0 {
		c.sndUna = c.sndBuf[0].Sn
	} else {
		c.sndUna = c.sndNxt
	}
}
