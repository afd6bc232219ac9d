package arq

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/junbin-yang/uarq-go/pkg/netsim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(c *Conversation) {
	c.SetNoDelay(true, 10, 2, true)
	c.SetWindowSize(128, 128)
}

func newPair(start uint32, ab, ba netsim.Config, setup func(*Conversation)) (*netsim.Pair, *Conversation, *Conversation) {
	p := netsim.NewPair(start, ab, ba)
	a := New(1, p.OutputA())
	b := New(1, p.OutputB())
	if setup != nil {
		setup(a)
		setup(b)
	}
	p.Attach(a, b)
	a.Update(start)
	b.Update(start)
	return p, a, b
}

// drain 读出所有已完整的消息
func drain(c *Conversation, got *[][]byte) {
	for {
		m, err := c.ReadMessage()
		if err != nil {
			return
		}
		*got = append(*got, m)
	}
}

func message(i, size int) []byte {
	head := fmt.Sprintf("msg-%05d:", i)
	if size < len(head) {
		size = len(head)
	}
	return []byte(head + strings.Repeat(string(rune('a'+i%26)), size-len(head)))
}

func TestSend_Errors(t *testing.T) {
	c := New(1, nil)
	assert.True(t, errors.Is(c.Send(nil), ErrEmptyInput))

	tooBig := make([]byte, MaxFragments*c.Mss()+1)
	err := c.Send(tooBig)
	assert.True(t, errors.Is(err, ErrTooManyFragments))
	assert.Equal(t, 0, c.WaitSnd())

	require.NoError(t, c.Send(make([]byte, MaxFragments*c.Mss())))
	assert.Equal(t, MaxFragments, c.WaitSnd())
	assert.Equal(t, uint8(MaxFragments-1), c.sndQueue[0].Frg)
	assert.Equal(t, uint8(0), c.sndQueue[MaxFragments-1].Frg)
}

func TestSetMtu(t *testing.T) {
	c := New(1, nil)
	assert.Equal(t, DefaultMTU-Overhead, c.Mss())
	assert.True(t, errors.Is(c.SetMtu(49), ErrInvalidMTU))
	require.NoError(t, c.SetMtu(576))
	assert.Equal(t, 576-Overhead, c.Mss())
}

// TestSetMtu_QueuedSegments 队列中有超过新mss的分片时拒绝缩小MTU
func TestSetMtu_QueuedSegments(t *testing.T) {
	var out [][]byte
	a := New(1, func(b []byte) { out = append(out, append([]byte(nil), b...)) })
	fast(a)
	require.NoError(t, a.Send(make([]byte, a.Mss())))

	err := a.SetMtu(576)
	assert.True(t, errors.Is(err, ErrMTUInUse), "发送队列中有整段分片时应拒绝缩小MTU")
	assert.Equal(t, DefaultMTU, a.Mtu(), "拒绝后MTU保持不变")

	a.Update(0)
	require.Len(t, out, 1)
	assert.Equal(t, DefaultMTU, len(out[0]))
	err = a.SetMtu(576)
	assert.True(t, errors.Is(err, ErrMTUInUse), "在途队列中有整段分片时同样拒绝")

	b := New(1, nil)
	require.NoError(t, b.Input(out[0]), "对端应能完整解析数据报")
	assert.Equal(t, a.Mss(), b.PeekSize())

	// 较小的分片不受影响，可以缩小
	c := New(1, nil)
	require.NoError(t, c.Send(make([]byte, 100)))
	require.NoError(t, c.SetMtu(576))
	assert.Equal(t, 576-Overhead, c.Mss())
}

// TestFlush_NoEmptyDatagram 首个报文超过mtu时直接编码，不输出零长度数据报
func TestFlush_NoEmptyDatagram(t *testing.T) {
	var out [][]byte
	a := New(1, func(b []byte) { out = append(out, append([]byte(nil), b...)) })
	fast(a)
	require.NoError(t, a.Send(make([]byte, a.Mss())))
	a.mtu = 576

	a.Update(0)
	require.NotEmpty(t, out)
	for i, pkt := range out {
		assert.NotZero(t, len(pkt), "第%d个数据报不应为空", i)
	}
}

// TestFlush_FirstUpdateWithCongestionControl 开启拥塞控制时首次刷新即发出一个分片
func TestFlush_FirstUpdateWithCongestionControl(t *testing.T) {
	var out [][]byte
	a := New(1, func(b []byte) { out = append(out, append([]byte(nil), b...)) })
	require.NoError(t, a.Send(make([]byte, 5000)))

	a.Update(0)
	assert.Len(t, out, 1, "初始拥塞窗口为1，首次刷新应发出一个分片")
	assert.Len(t, a.sndBuf, 1)
	assert.Equal(t, 3, len(a.sndQueue))
}

func TestSetInterval_Clamp(t *testing.T) {
	c := New(1, nil)
	c.SetInterval(1)
	assert.Equal(t, uint32(10), c.Interval())
	c.SetInterval(100000)
	assert.Equal(t, uint32(5000), c.Interval())
}

func TestRecv_WouldBlockAndTooLarge(t *testing.T) {
	var out [][]byte
	a := New(1, func(b []byte) { out = append(out, append([]byte(nil), b...)) })
	fast(a)
	b := New(1, nil)

	_, err := b.Recv(make([]byte, 10))
	assert.True(t, errors.Is(err, ErrWouldBlock))
	assert.Equal(t, -1, b.PeekSize())

	require.NoError(t, a.Send([]byte("0123456789abcdef")))
	a.Update(0)
	for _, pkt := range out {
		require.NoError(t, b.Input(pkt))
	}

	assert.Equal(t, 16, b.PeekSize())
	_, err = b.Recv(make([]byte, 8))
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
	assert.Equal(t, 16, b.PeekSize(), "接收失败不应消费消息")

	buf := make([]byte, 32)
	n, err := b.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(buf[:n]))
}

func TestInput_FramingErrorKeepsParsedSegments(t *testing.T) {
	b := New(1, nil)
	seg := Segment{Conv: 1, Cmd: CmdPush, Wnd: 128, Data: []byte("hi")}
	buf := make([]byte, Overhead+2+10)
	seg.Encode(buf)

	err := b.Input(buf)
	assert.True(t, errors.Is(err, ErrShortHeader))
	msg, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(msg))
	assert.Len(t, b.ackList, 1)
	assert.Equal(t, uint64(1), b.Stats().InErrs)

	assert.True(t, errors.Is(b.Input(nil), ErrShortHeader))
}

func TestInput_ConvMismatchAndAdoption(t *testing.T) {
	seg := Segment{Conv: 77, Cmd: CmdPush, Wnd: 128, Data: []byte("x")}
	buf := make([]byte, Overhead+1)
	seg.Encode(buf)

	b := New(1, nil)
	assert.True(t, errors.Is(b.Input(buf), ErrConvMismatch))
	assert.Equal(t, -1, b.PeekSize())

	auto := New(0, nil)
	auto.SetAutoConv(true)
	require.NoError(t, auto.Input(buf))
	assert.Equal(t, uint32(77), auto.Conv())
	assert.Equal(t, 1, auto.PeekSize())

	// 采纳之后conv固定
	seg.Conv = 78
	seg.Sn = 1
	seg.Encode(buf)
	assert.True(t, errors.Is(auto.Input(buf), ErrConvMismatch))
}

func TestInput_FilterDropsDatagram(t *testing.T) {
	b := New(1, nil)
	b.SetInputFilter(func(data []byte) ([]byte, bool) {
		if len(data) > 0 && data[0] == 0xff {
			return nil, false
		}
		return data, true
	})
	require.NoError(t, b.Input([]byte{0xff, 1, 2}))
	assert.Equal(t, uint64(0), b.Stats().InErrs)
}

func TestFlush_NothingBeforeFirstUpdate(t *testing.T) {
	calls := 0
	c := New(1, func([]byte) { calls++ })
	require.NoError(t, c.Send([]byte("x")))
	c.Flush()
	assert.Equal(t, 0, calls)
	assert.Equal(t, uint32(1234), c.Check(1234))
}

func TestFlush_BatchesIntoMTU(t *testing.T) {
	var sizes []int
	c := New(1, func(b []byte) { sizes = append(sizes, len(b)) })
	fast(c)
	for i := 0; i < 100; i++ {
		c.ackList = append(c.ackList, ackItem{sn: uint32(i)})
	}
	c.Update(0)
	total := 0
	for _, s := range sizes {
		assert.LessOrEqual(t, s, c.Mtu())
		assert.Zero(t, s%Overhead)
		total += s
	}
	assert.Equal(t, 100*Overhead, total)
	assert.Len(t, sizes, 2)
	assert.Equal(t, uint64(100), c.Stats().OutSegs)
}

// TestMessage_ReverseOrderDelivery 分片逆序到达，最后一个到达后整条交付，ACK回送后发送方在途队列清空
func TestMessage_ReverseOrderDelivery(t *testing.T) {
	var ab, ba [][]byte
	a := New(1, func(p []byte) { ab = append(ab, append([]byte(nil), p...)) })
	b := New(1, func(p []byte) { ba = append(ba, append([]byte(nil), p...)) })
	for _, c := range []*Conversation{a, b} {
		c.SetNoDelay(false, 100, 0, true)
		c.SetWindowSize(32, 32)
	}

	msg := bytes.Repeat([]byte("0123456789"), 500)
	require.NoError(t, a.Send(msg))
	a.Update(0)
	require.Len(t, ab, 4, "5000字节需要四个1376字节的分片")

	for i := len(ab) - 1; i > 0; i-- {
		require.NoError(t, b.Input(ab[i]))
		assert.Equal(t, -1, b.PeekSize(), "首个分片到达前不应交付")
	}
	require.NoError(t, b.Input(ab[0]))
	assert.Equal(t, len(msg), b.PeekSize())
	got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, -1, b.PeekSize())

	for round := 1; round <= 5 && len(a.sndBuf) > 0; round++ {
		now := uint32(round * 100)
		b.Update(now)
		for _, p := range ba {
			require.NoError(t, a.Input(p))
		}
		ba = nil
		a.Update(now)
	}
	assert.Empty(t, a.sndBuf, "ACK回送后发送方在途队列应为空")
	assert.Equal(t, 0, a.WaitSnd())
	assert.Equal(t, uint32(4), a.sndUna)
}

func TestOrdering_Lossless(t *testing.T) {
	p, a, b := newPair(0, netsim.Config{Delay: 20}, netsim.Config{Delay: 20}, fast)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, 1+i*37%4000)))
	}
	var got [][]byte
	ok := p.Run(10, 30000, func() bool {
		drain(b, &got)
		return len(got) == n
	})
	require.True(t, ok)
	for i := 0; i < n; i++ {
		assert.Equal(t, message(i, 1+i*37%4000), got[i])
	}
	assert.Zero(t, p.InputErrs)
}

func TestDropEveryThird(t *testing.T) {
	p, a, b := newPair(0, netsim.Config{Delay: 5}, netsim.Config{Delay: 5}, fast)
	p.AB.DropEvery(3)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, a.Mss())))
	}
	var got [][]byte
	ok := p.Run(10, 60000, func() bool {
		drain(b, &got)
		return len(got) == n
	})
	require.True(t, ok)
	for i := 0; i < n; i++ {
		assert.Equal(t, message(i, a.Mss()), got[i])
	}
	assert.NotZero(t, a.Stats().RetransSegs)
	assert.False(t, a.IsDead())
}

func TestLossAndDuplication_NoDuplicateDelivery(t *testing.T) {
	link := netsim.Config{Loss: 0.2, Duplicate: 0.2, Reorder: 0.2, Delay: 30, Jitter: 20, Seed: 7}
	back := link
	back.Seed = 11
	p, a, b := newPair(0, link, back, fast)

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, 200+i%1500)))
	}
	var got [][]byte
	ok := p.Run(10, 300000, func() bool {
		drain(b, &got)
		return len(got) >= n
	})
	require.True(t, ok)
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, message(i, 200+i%1500), got[i])
	}
	// 排空后不再产生额外消息
	p.Run(10, 2000, func() bool { return false })
	drain(b, &got)
	assert.Len(t, got, n)
	assert.NotZero(t, b.Stats().RepeatSegs)
}

func TestCongestionControl_Transfer(t *testing.T) {
	link := netsim.Config{Loss: 0.05, Delay: 25, Jitter: 5, Seed: 3}
	p, a, b := newPair(0, link, link, func(c *Conversation) {
		c.SetNoDelay(false, 40, 2, false)
		c.SetWindowSize(64, 128)
	})
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, 1000)))
	}
	var got [][]byte
	maxInflight := uint32(0)
	ok := p.Run(10, 600000, func() bool {
		if d := a.sndNxt - a.sndUna; d > maxInflight {
			maxInflight = d
		}
		drain(b, &got)
		return len(got) == n
	})
	require.True(t, ok)
	assert.LessOrEqual(t, maxInflight, uint32(64))
	assert.GreaterOrEqual(t, a.CongestionStats().Cwnd, uint32(1))
}

func TestWindowRespect_ZeroWindowProbe(t *testing.T) {
	p, a, b := newPair(0, netsim.Config{Delay: 10}, netsim.Config{Delay: 10}, func(c *Conversation) {
		c.SetNoDelay(true, 10, 2, true)
		c.SetWindowSize(16, 8)
	})

	const n = 60
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, 100)))
	}

	// 接收方不读取：交付队列最多rcvWnd个，发送方在途不超过sndWnd
	for step := 0; step < 1000; step++ {
		p.Step(10)
		assert.LessOrEqual(t, a.sndNxt-a.sndUna, uint32(16))
		assert.LessOrEqual(t, len(b.rcvQueue), 8)
	}
	assert.Equal(t, uint32(0), a.rmtWnd)
	assert.NotZero(t, a.probeWait, "零窗口时应安排窗口询问")
	assert.False(t, a.IsDead(), "仅零窗口不应判定链路失效")

	var got [][]byte
	ok := p.Run(10, 120000, func() bool {
		drain(b, &got)
		return len(got) == n
	})
	require.True(t, ok)
	for i := 0; i < n; i++ {
		assert.Equal(t, message(i, 100), got[i])
	}
	p.Run(10, 500, func() bool { return false })
	assert.NotZero(t, a.rmtWnd)
}

func TestProbeBackoff(t *testing.T) {
	c := New(1, nil)
	c.rmtWnd = 0
	c.current = 1000
	c.updateProbe()
	assert.Equal(t, uint32(ProbeInit), c.probeWait)
	assert.Equal(t, uint32(1000+ProbeInit), c.tsProbe)

	var waits []uint32
	for i := 0; i < 8; i++ {
		c.current = c.tsProbe
		c.probe = 0
		c.updateProbe()
		assert.NotZero(t, c.probe&askSend)
		waits = append(waits, c.probeWait)
	}
	assert.Equal(t, []uint32{14000, 28000, 56000, 112000, 120000, 120000, 120000, 120000}, waits)

	c.rmtWnd = 10
	c.updateProbe()
	assert.Zero(t, c.probeWait)
}

func TestRTOBounds(t *testing.T) {
	c := New(1, nil)
	assert.Equal(t, uint32(RTODefault), c.rxRto)

	c.updateAck(40)
	assert.Equal(t, int32(40), c.rxSrtt)
	assert.Equal(t, int32(20), c.rxRttvar)
	assert.Equal(t, uint32(40+100), c.rxRto)

	for i := 0; i < 50; i++ {
		c.updateAck(1)
	}
	assert.GreaterOrEqual(t, c.rxRto, uint32(RTOMin))

	c.SetNoDelay(true, 10, 0, true)
	for i := 0; i < 50; i++ {
		c.updateAck(0)
	}
	assert.GreaterOrEqual(t, c.rxRto, uint32(RTONoDelay))
	assert.GreaterOrEqual(t, c.rxSrtt, int32(1))

	for i := 0; i < 50; i++ {
		c.updateAck(1000000)
	}
	assert.Equal(t, uint32(RTOMax), c.rxRto)
}

func TestDeadLink(t *testing.T) {
	p, a, _ := newPair(0, netsim.Config{Loss: 1}, netsim.Config{}, func(c *Conversation) {
		c.SetNoDelay(false, 10, 0, true)
		c.SetDeadLink(6)
	})
	require.NoError(t, a.Send([]byte("lost forever")))

	ok := p.Run(10, 600000, func() bool {
		for i := range a.sndBuf {
			assert.LessOrEqual(t, a.sndBuf[i].rto, uint32(RTOMax))
		}
		return a.IsDead()
	})
	require.True(t, ok)
	assert.Equal(t, StateDead, a.State())
	assert.GreaterOrEqual(t, a.sndBuf[0].xmit, uint32(6))
	assert.NotZero(t, a.Stats().LostSegs)

	// 状态不会被复位
	p.Run(10, 1000, func() bool { return false })
	assert.True(t, a.IsDead())
}

func TestCheck_Idempotent(t *testing.T) {
	p, a, _ := newPair(0, netsim.Config{Delay: 50}, netsim.Config{Delay: 50}, fast)
	require.NoError(t, a.Send(message(1, 3000)))
	p.Step(10)

	now := p.Clock.Now() + 3
	before := a.Stats()
	tsFlush := a.tsFlush
	first := a.Check(now)
	second := a.Check(now)
	assert.Equal(t, first, second)
	assert.Equal(t, before, a.Stats())
	assert.Equal(t, tsFlush, a.tsFlush)
	assert.GreaterOrEqual(t, timediff(first, now), int32(0))
	assert.LessOrEqual(t, timediff(first, now), int32(a.Interval()))
}

func TestUpdate_ClockJump(t *testing.T) {
	c := New(1, nil)
	c.Update(1000)
	assert.Equal(t, uint32(1000+DefaultInterval), c.tsFlush)

	c.Update(50000)
	assert.Equal(t, uint32(50000+DefaultInterval), c.tsFlush)

	c.Update(10)
	assert.Equal(t, uint32(10+DefaultInterval), c.tsFlush)
	assert.Equal(t, uint32(10+DefaultInterval), c.Check(10))
	assert.Equal(t, uint32(10+DefaultInterval), c.Check(10+DefaultInterval))
}

func TestWraparound(t *testing.T) {
	start := uint32(0xffffff00)
	p, a, b := newPair(start, netsim.Config{Delay: 15, Jitter: 10, Reorder: 0.3, Seed: 5}, netsim.Config{Delay: 15}, fast)
	base := uint32(0xfffffff0)
	a.sndUna, a.sndNxt = base, base
	b.rcvNxt = base

	const n = 64
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(message(i, 500)))
	}
	var got [][]byte
	ok := p.Run(10, 60000, func() bool {
		drain(b, &got)
		return len(got) == n
	})
	require.True(t, ok)
	for i := 0; i < n; i++ {
		assert.Equal(t, message(i, 500), got[i])
	}
	assert.Equal(t, base+n, b.rcvNxt)
}

func TestStreamMode(t *testing.T) {
	p, a, b := newPair(0, netsim.Config{Delay: 5}, netsim.Config{Delay: 5}, func(c *Conversation) {
		fast(c)
		c.SetStreamMode(true)
	})
	require.NoError(t, a.Send([]byte("ab")))
	require.NoError(t, a.Send([]byte("cd")))
	assert.Len(t, a.sndQueue, 1, "短写入应合并到队尾分片")

	// 分片数超限时整体拒绝，队尾分片保持原样
	err := a.Send(make([]byte, 300*a.Mss()))
	assert.True(t, errors.Is(err, ErrTooManyFragments))
	assert.Len(t, a.sndQueue[0].Data, 4, "失败的发送不应填充队尾分片")
	assert.Equal(t, 1, a.WaitSnd())

	big := bytes.Repeat([]byte{'z'}, 3*a.Mss())
	require.NoError(t, a.Send(big))

	var stream bytes.Buffer
	ok := p.Run(10, 10000, func() bool {
		for {
			if _, err := b.RecvTo(&stream); err != nil {
				break
			}
		}
		return stream.Len() == 4+len(big)
	})
	require.True(t, ok)
	assert.Equal(t, "abcd", stream.String()[:4])
	assert.Equal(t, big, stream.Bytes()[4:])
}

func TestSendFrom(t *testing.T) {
	p, a, b := newPair(0, netsim.Config{Delay: 5}, netsim.Config{Delay: 5}, fast)
	n, err := a.SendFrom(strings.NewReader("from a reader"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	var got [][]byte
	require.True(t, p.Run(10, 5000, func() bool {
		drain(b, &got)
		return len(got) == 1
	}))
	assert.Equal(t, "from a reader", string(got[0]))

	_, err = a.SendFrom(bytes.NewReader(make([]byte, MaxFragments*a.Mss()+10)))
	assert.True(t, errors.Is(err, ErrTooManyFragments))
}

func TestRelease(t *testing.T) {
	c := New(1, nil)
	require.NoError(t, c.Send(make([]byte, 5000)))
	c.Release()
	assert.Equal(t, 0, c.WaitSnd())
	assert.Equal(t, -1, c.PeekSize())
}
