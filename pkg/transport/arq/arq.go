// 可靠传输引擎：在不可靠、无序的数据报通道之上提供有序、带流量控制与拥塞控制的消息流
// 引擎不做任何阻塞I/O，也不启动协程，由外部时钟调用Update驱动；非并发安全，调用方负责串行化
package arq

import (
	"github.com/junbin-yang/uarq-go/pkg/transport/congestion"
	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// 会话状态
const (
	StateOpen int32 = 0
	StateDead int32 = -1
)

// OutputFunc 输出回调，buf在回调返回后会被引擎复用，需要保留时调用方自行拷贝
type OutputFunc func(buf []byte)

// InputFilter 可选的输入预处理钩子
// 返回false丢弃整个数据报；返回的切片替换原输入
type InputFilter func(data []byte) ([]byte, bool)

type ackItem struct {
	sn uint32
	ts uint32
}

// Conversation 一个ARQ会话（一个引擎实例）
type Conversation struct {
	conv, mtu, mss uint32
	state          int32

	sndUna, sndNxt, rcvNxt uint32
	sndWnd, rcvWnd, rmtWnd uint32

	cc *congestion.Window

	rxSrtt, rxRttvar int32
	rxRto, rxMinrto  uint32

	probe, probeWait, tsProbe uint32

	current, tsFlush, interval uint32
	updated                    bool

	nodelay    bool
	fastResend int32
	fastLimit  int32
	noCwnd     bool
	stream     bool
	deadLink   uint32

	autoConv  bool
	convBound bool
	filter    InputFilter

	sndQueue []Segment // 未进入窗口的待发分片
	sndBuf   []Segment // 已发送未确认
	rcvBuf   []Segment // 乱序缓存，按sn有序
	rcvQueue []Segment // 可交付给应用的有序分片
	ackList  []ackItem

	buffer []byte
	output OutputFunc

	counters counters
	log      *logger.Logger
}

type counters struct {
	inSegs, outSegs, inBytes, outBytes uint64
	repeatSegs, lostSegs               uint64
	fastRetransSegs, retransSegs       uint64
	inErrs                             uint64
}

// New 创建会话，conv必须与对端一致（或开启自动采纳）
func New(conv uint32, output OutputFunc) *Conversation {
	c := &Conversation{
		conv:      conv,
		mtu:       DefaultMTU,
		mss:       DefaultMTU - Overhead,
		sndWnd:    DefaultSndWnd,
		rcvWnd:    DefaultRcvWnd,
		rmtWnd:    DefaultRcvWnd,
		rxRto:     RTODefault,
		rxMinrto:  RTOMin,
		interval:  DefaultInterval,
		tsFlush:   DefaultInterval,
		deadLink:  DefaultDeadLink,
		fastLimit: DefaultFastLimit,
		convBound: true,
		output:    output,
		log:       logger.Default(),
	}
	c.buffer = make([]byte, c.mtu)
	c.cc = congestion.NewWindow(c.mss)
	return c
}

// SetLogger 替换日志器
func (c *Conversation) SetLogger(l *logger.Logger) {
	if l != nil {
		c.log = l
	}
}

// SetMtu 修改MTU，默认1400
// 发送队列或在途队列中已有超过新mss的分片时拒绝缩小
func (c *Conversation) SetMtu(mtu int) error {
	if mtu < minMTU || mtu <= Overhead {
		return ErrInvalidMTU
	}
	mss := mtu - Overhead
	for _, q := range [][]Segment{c.sndQueue, c.sndBuf} {
		for i := range q {
			if len(q[i].Data) > mss {
				return errors.Wrapf(ErrMTUInUse, "sn=%d carries %d bytes, new mss %d", q[i].Sn, len(q[i].Data), mss)
			}
		}
	}
	c.mtu = uint32(mtu)
	c.mss = c.mtu - Overhead
	c.buffer = make([]byte, mtu)
	c.cc.SetMSS(c.mss)
	return nil
}

// SetInterval 设置内部刷新间隔（毫秒），限制在[10, 5000]
func (c *Conversation) SetInterval(interval int) {
	if interval > intervalMax {
		interval = intervalMax
	} else if interval < intervalMin {
		interval = intervalMin
	}
	c.interval = uint32(interval)
}

// SetNoDelay 设置低延迟参数
// nodelay: 是否启用无延迟模式（最小RTO 30ms，超时退避减半）
// interval: 刷新间隔，小于0表示不修改
// resend: 快速重传阈值，0关闭，小于0表示不修改
// nc: 是否关闭拥塞控制
func (c *Conversation) SetNoDelay(nodelay bool, interval, resend int, nc bool) {
	c.nodelay = nodelay
	if nodelay {
		c.rxMinrto = RTONoDelay
	} else {
		c.rxMinrto = RTOMin
	}
	if interval >= 0 {
		c.SetInterval(interval)
	}
	if resend >= 0 {
		c.fastResend = int32(resend)
	}
	c.noCwnd = nc
}

// SetWindowSize 设置发送/接收窗口（分片数），非正数表示不修改
func (c *Conversation) SetWindowSize(sndWnd, rcvWnd int) {
	if sndWnd > 0 {
		c.sndWnd = uint32(sndWnd)
	}
	if rcvWnd > 0 {
		c.rcvWnd = imax(uint32(rcvWnd), 1)
	}
}

// SetDeadLink 单个分片发送次数达到n时判定链路断开
func (c *Conversation) SetDeadLink(n int) {
	if n > 0 {
		c.deadLink = uint32(n)
	}
}

// SetFastLimit 快速重传仅对发送次数不超过n的分片生效，0表示不限制
func (c *Conversation) SetFastLimit(n int) {
	c.fastLimit = int32(n)
}

// SetStreamMode 流模式下不保留消息边界，小写入会合并到队尾分片
func (c *Conversation) SetStreamMode(stream bool) {
	c.stream = stream
}

// SetAutoConv 开启后采纳第一个入站报文的conv，必须在首次Input之前调用
func (c *Conversation) SetAutoConv(auto bool) {
	c.autoConv = auto
	c.convBound = !auto
}

// SetInputFilter 安装输入预处理钩子，nil表示关闭
func (c *Conversation) SetInputFilter(f InputFilter) {
	c.filter = f
}

func (c *Conversation) Conv() uint32 { return c.conv }

func (c *Conversation) Mtu() int { return int(c.mtu) }

func (c *Conversation) Mss() int { return int(c.mss) }

func (c *Conversation) Interval() uint32 { return c.interval }

func (c *Conversation) State() int32 { return c.state }

// IsDead 链路是否已被判定断开；断开后已缓存的数据仍可读取
func (c *Conversation) IsDead() bool { return c.state == StateDead }

// WaitSnd 等待发送（含未确认）的分片数
func (c *Conversation) WaitSnd() int {
	return len(c.sndBuf) + len(c.sndQueue)
}

// Release 丢弃所有缓存数据，会话不可再使用
func (c *Conversation) Release() {
	for _, q := range [][]Segment{c.sndQueue, c.sndBuf, c.rcvBuf, c.rcvQueue} {
		for i := range q {
			freeData(q[i].Data)
		}
	}
	c.sndQueue, c.sndBuf, c.rcvBuf, c.rcvQueue = nil, nil, nil, nil
	c.ackList = nil
}

// Stats 会话统计快照
type Stats struct {
	Conv            uint32 `json:"conv"`
	State           int32  `json:"state"`
	InSegs          uint64 `json:"in_segs"`
	OutSegs         uint64 `json:"out_segs"`
	InBytes         uint64 `json:"in_bytes"`
	OutBytes        uint64 `json:"out_bytes"`
	RepeatSegs      uint64 `json:"repeat_segs"`
	LostSegs        uint64 `json:"lost_segs"`
	FastRetransSegs uint64 `json:"fast_retrans_segs"`
	RetransSegs     uint64 `json:"retrans_segs"`
	InErrs          uint64 `json:"in_errs"`
	SRTT            uint32 `json:"srtt_ms"`
	RTTVar          uint32 `json:"rttvar_ms"`
	RTO             uint32 `json:"rto_ms"`
	Cwnd            uint32 `json:"cwnd"`
	Ssthresh        uint32 `json:"ssthresh"`
	RmtWnd          uint32 `json:"rmt_wnd"`
	WaitSnd         int    `json:"wait_snd"`
	RcvQueue        int    `json:"rcv_queue"`
}

func (c *Conversation) Stats() Stats {
	return Stats{
		Conv:            c.conv,
		State:           c.state,
		InSegs:          c.counters.inSegs,
		OutSegs:         c.counters.outSegs,
		InBytes:         c.counters.inBytes,
		OutBytes:        c.counters.outBytes,
		RepeatSegs:      c.counters.repeatSegs,
		LostSegs:        c.counters.lostSegs,
		FastRetransSegs: c.counters.fastRetransSegs,
		RetransSegs:     c.counters.retransSegs,
		InErrs:          c.counters.inErrs,
		SRTT:            uint32(c.rxSrtt),
		RTTVar:          uint32(c.rxRttvar),
		RTO:             c.rxRto,
		Cwnd:            c.cc.Cwnd(),
		Ssthresh:        c.cc.Ssthresh(),
		RmtWnd:          c.rmtWnd,
		WaitSnd:         c.WaitSnd(),
		RcvQueue:        len(c.rcvQueue),
	}
}

// CongestionStats 拥塞控制统计
func (c *Conversation) CongestionStats() congestion.CongestionStats {
	return c.cc.GetStatistics()
}
