package arq

import "github.com/junbin-yang/uarq-go/pkg/utils/logger"

// Update 由外部时钟周期调用，now为毫秒时间戳（可回绕）
// 每次调用都会执行Flush，tsFlush只决定下一次Check返回的时间
func (c *Conversation) Update(now uint32) {
	c.current = now
	if !c.updated {
		c.updated = true
		c.tsFlush = now
	}

	slap := timediff(c.current, c.tsFlush)
	if slap >= clockJump || slap < -clockJump {
		// 时钟跳变，重新对齐
		c.tsFlush = c.current
		slap = 0
	}

	if slap >= 0 {
		c.tsFlush += c.interval
		if timediff(c.current, c.tsFlush) >= 0 {
			c.tsFlush = c.current + c.interval
		}
	}
	c.Flush()
}

// Check 返回下一次应调用Update的时间，不修改任何状态
func (c *Conversation) Check(now uint32) uint32 {
	if !c.updated {
		return now
	}

	tsFlush := c.tsFlush
	slap := timediff(now, tsFlush)
	if slap >= clockJump || slap < -clockJump {
		tsFlush = now
	}
	if timediff(now, tsFlush) >= 0 {
		return now
	}

	tmFlush := uint32(timediff(tsFlush, now))
	tmPacket := uint32(0xffffffff)
	for i := range c.sndBuf {
		diff := timediff(c.sndBuf[i].resendts, now)
		if diff <= 0 {
			return now
		}
		if uint32(diff) < tmPacket {
			tmPacket = uint32(diff)
		}
	}

	minimal := imin(tmPacket, tmFlush)
	if minimal >= c.interval {
		minimal = c.interval
	}
	return now + minimal
}

// Flush 立即输出待发送的确认、探测和数据分片
// 在首次Update之前调用不会产生任何输出
func (c *Conversation) Flush() {
	if !c.updated {
		return
	}

	current := c.current
	buf := c.buffer
	ptr := buf
	mtu := int(c.mtu)

	// put 追加一个报文，放不下时先输出当前缓冲区
	put := func(s *Segment) {
		size := len(buf) - len(ptr)
		if size > 0 && size+Overhead+len(s.Data) > mtu {
			c.emit(buf[:size])
			ptr = buf
		}
		ptr = s.Encode(ptr)
		c.counters.outSegs++
	}

	seg := Segment{
		Conv: c.conv,
		Cmd:  CmdAck,
		Wnd:  c.wndUnused(),
		Una:  c.rcvNxt,
	}

	// 确认
	for _, ack := range c.ackList {
		seg.Sn, seg.Ts = ack.sn, ack.ts
		put(&seg)
	}
	c.ackList = c.ackList[:0]

	// 零窗口探测
	c.updateProbe()

	if c.probe&askSend != 0 {
		seg.Cmd = CmdWask
		seg.Sn, seg.Ts = 0, 0
		put(&seg)
	}
	if c.probe&askTell != 0 {
		seg.Cmd = CmdWins
		seg.Sn, seg.Ts = 0, 0
		put(&seg)
	}
	c.probe = 0

	// 窗口准入：未发送队列进入在途队列
	cwnd := imin(c.sndWnd, c.rmtWnd)
	if !c.noCwnd {
		cwnd = imin(c.cc.Cwnd(), cwnd)
	}

	admitted := 0
	for admitted < len(c.sndQueue) && timediff(c.sndNxt, c.sndUna+cwnd) < 0 {
		s := c.sndQueue[admitted]
		s.Conv = c.conv
		s.Cmd = CmdPush
		s.Wnd = seg.Wnd
		s.Ts = current
		s.Sn = c.sndNxt
		s.Una = c.rcvNxt
		s.resendts = current
		s.rto = c.rxRto
		s.fastack = 0
		s.xmit = 0
		c.sndBuf = append(c.sndBuf, s)
		c.sndNxt++
		admitted++
	}
	if admitted > 0 {
		c.sndQueue = removeFront(c.sndQueue, admitted)
	}

	resent := uint32(c.fastResend)
	if c.fastResend <= 0 {
		resent = 0xffffffff
	}
	var rtomin uint32
	if !c.nodelay {
		rtomin = c.rxRto >> 3
	}

	change, lost := 0, false
	var lostSegs, fastSegs, earlySegs uint64

	for i := range c.sndBuf {
		s := &c.sndBuf[i]
		needsend := false
		switch {
		case s.xmit == 0:
			needsend = true
			s.xmit++
			s.rto = c.rxRto
			s.resendts = current + s.rto + rtomin
		case timediff(current, s.resendts) >= 0:
			needsend = true
			s.xmit++
			if !c.nodelay {
				s.rto += imax(s.rto, c.rxRto)
			} else {
				s.rto += s.rto / 2
			}
			if s.rto > RTOMax {
				s.rto = RTOMax
			}
			s.resendts = current + s.rto
			s.fastack = 0
			lost = true
			lostSegs++
		case s.fastack >= resent:
			if c.fastLimit <= 0 || s.xmit <= uint32(c.fastLimit) {
				needsend = true
				s.xmit++
				s.fastack = 0
				s.resendts = current + s.rto
				change++
				fastSegs++
			}
		}

		if !needsend {
			continue
		}
		if s.xmit > 1 {
			earlySegs++
		}
		s.Ts = current
		s.Wnd = seg.Wnd
		s.Una = c.rcvNxt

		put(s)
		c.counters.outBytes += uint64(Overhead + len(s.Data))

		if s.xmit >= c.deadLink && c.state != StateDead {
			c.state = StateDead
			c.log.Warn("dead link detected",
				logger.Uint32("conv", c.conv),
				logger.Uint32("sn", s.Sn),
				logger.Uint32("xmit", s.xmit),
				logger.Uint32("rto", s.rto))
		}
	}

	// 剩余数据
	if size := len(buf) - len(ptr); size > 0 {
		c.emit(buf[:size])
	}

	c.counters.lostSegs += lostSegs
	c.counters.fastRetransSegs += fastSegs
	c.counters.retransSegs += earlySegs

	if !c.noCwnd {
		if change > 0 {
			inflight := c.sndNxt - c.sndUna
			c.cc.OnFastRetransmit(inflight, resent)
		}
		if lost {
			c.cc.OnTimeout(cwnd)
		}
		c.cc.Clamp()
	}
}

func (c *Conversation) emit(p []byte) {
	if c.output != nil {
		c.output(p)
	}
}
