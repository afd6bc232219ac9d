package arq

// updateAck 用一个RTT样本更新平滑RTT与重传超时（RFC6298的整数形式）
func (c *Conversation) updateAck(rtt int32) {
	if c.rxSrtt == 0 {
		c.rxSrtt = rtt
		c.rxRttvar = rtt / 2
	} else {
		delta := rtt - c.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		c.rxRttvar = (3*c.rxRttvar + delta) / 4
		c.rxSrtt = (7*c.rxSrtt + rtt) / 8
		if c.rxSrtt < 1 {
			c.rxSrtt = 1
		}
	}
	rto := uint32(c.rxSrtt) + imax(c.interval, uint32(4*c.rxRttvar))
	c.rxRto = ibound(c.rxMinrto, rto, RTOMax)
}

// updateProbe 对端窗口为0时按指数退避安排WASK探测，窗口恢复后复位
func (c *Conversation) updateProbe() {
	if c.rmtWnd != 0 {
		c.tsProbe = 0
		c.probeWait = 0
		return
	}
	if c.probeWait == 0 {
		c.probeWait = ProbeInit
		c.tsProbe = c.current + c.probeWait
		return
	}
	if timediff(c.current, c.tsProbe) >= 0 {
		c.probeWait *= 2
		if c.probeWait > ProbeLimit {
			c.probeWait = ProbeLimit
		}
		c.tsProbe = c.current + c.probeWait
		c.probe |= askSend
	}
}
