package arq

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// 协议常量
const (
	CmdPush = 81 // 数据报文
	CmdAck  = 82 // 确认报文
	CmdWask = 83 // 窗口探测（询问对端窗口）
	CmdWins = 84 // 窗口通告（告知本端窗口）

	askSend = 1 // 需要发送WASK
	askTell = 2 // 需要发送WINS

	Overhead = 24 // 报文头长度

	DefaultMTU       = 1400
	DefaultSndWnd    = 32
	DefaultRcvWnd    = 128
	DefaultInterval  = 100
	DefaultDeadLink  = 20
	DefaultFastLimit = 5

	RTONoDelay = 30    // nodelay模式下的最小RTO
	RTOMin     = 100   // 普通模式下的最小RTO
	RTODefault = 200   // 初始RTO
	RTOMax     = 60000 // RTO上限

	ProbeInit  = 7000   // 零窗口首次探测等待7秒
	ProbeLimit = 120000 // 探测等待上限120秒

	MaxFragments = 255

	minMTU      = 50
	clockJump   = 10000
	intervalMin = 10
	intervalMax = 5000
)

// Segment 线上传输单元
//
//	0               4   5   6       8 (BYTE)
//	+---------------+---+---+-------+
//	|     conv      |cmd|frg|  wnd  |
//	+---------------+---+---+-------+   8
//	|     ts        |     sn        |
//	+---------------+---------------+  16
//	|     una       |     len       |
//	+---------------+---------------+  24
//	|        DATA (optional)        |
//	+-------------------------------+
//
// 所有字段均为小端序
type Segment struct {
	Conv uint32
	Cmd  uint8
	Frg  uint8 // 分片倒数计数，0表示消息的最后一个分片
	Wnd  uint16
	Ts   uint32
	Sn   uint32
	Una  uint32
	Data []byte

	// 发送端簿记，不上线
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// Encode 将报文头与负载写入dst，返回剩余空间
// dst长度必须不小于 Overhead+len(Data)
func (s *Segment) Encode(dst []byte) []byte {
	s.encodeHeader(dst)
	n := copy(dst[Overhead:], s.Data)
	return dst[Overhead+n:]
}

func (s *Segment) encodeHeader(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], s.Conv)
	dst[4] = s.Cmd
	dst[5] = s.Frg
	binary.LittleEndian.PutUint16(dst[6:], s.Wnd)
	binary.LittleEndian.PutUint32(dst[8:], s.Ts)
	binary.LittleEndian.PutUint32(dst[12:], s.Sn)
	binary.LittleEndian.PutUint32(dst[16:], s.Una)
	binary.LittleEndian.PutUint32(dst[20:], uint32(len(s.Data)))
}

// DecodeSegment 从b头部解析一个报文，返回报文（Data引用b的内存）和剩余字节
func DecodeSegment(b []byte) (Segment, []byte, error) {
	var s Segment
	if len(b) < Overhead {
		return s, b, errors.Wrapf(ErrShortHeader, "%d bytes left", len(b))
	}
	s.Conv = binary.LittleEndian.Uint32(b[0:])
	s.Cmd = b[4]
	s.Frg = b[5]
	s.Wnd = binary.LittleEndian.Uint16(b[6:])
	s.Ts = binary.LittleEndian.Uint32(b[8:])
	s.Sn = binary.LittleEndian.Uint32(b[12:])
	s.Una = binary.LittleEndian.Uint32(b[16:])
	length := binary.LittleEndian.Uint32(b[20:])
	rest := b[Overhead:]
	if uint64(length) > uint64(len(rest)) {
		return s, b, errors.Wrapf(ErrBadLength, "sn=%d declares %d bytes, %d available", s.Sn, length, len(rest))
	}
	switch s.Cmd {
	case CmdPush, CmdAck, CmdWask, CmdWins:
	default:
		return s, b, errors.Wrapf(ErrUnknownCommand, "cmd=%d", s.Cmd)
	}
	s.Data = rest[:length:length]
	return s, rest[length:], nil
}

// timediff 序号/时间戳的回绕安全比较
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func imin(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func imax(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func ibound(lower, middle, upper uint32) uint32 {
	return imin(imax(lower, middle), upper)
}

// 负载缓冲池，容量覆盖默认MTU下的单个分片
const poolBufSize = 1500

var segPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, poolBufSize)
		return &b
	},
}

func allocData(size int) []byte {
	if size > poolBufSize {
		return make([]byte, size)
	}
	p := segPool.Get().(*[]byte)
	return (*p)[:size]
}

func freeData(b []byte) {
	if cap(b) != poolBufSize {
		return
	}
	b = b[:poolBufSize]
	segPool.Put(&b)
}

// removeFront 删除队首n个元素；删除量超过一半容量时整体前移，避免底层数组无限增长
func removeFront(q []Segment, n int) []Segment {
	if n > cap(q)/2 {
		m := copy(q, q[n:])
		for i := m; i < len(q); i++ {
			q[i] = Segment{}
		}
		return q[:m]
	}
	for i := 0; i < n; i++ {
		q[i] = Segment{}
	}
	return q[n:]
}
