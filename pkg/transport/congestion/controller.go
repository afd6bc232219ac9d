// 拥塞控制模块：以分片（segment）为单位的慢启动/拥塞避免状态机，供ARQ引擎在每次刷新时调整可发送窗口
package congestion

const (
	// ThreshInit 初始慢启动阈值（分片数）
	ThreshInit = 2
	// ThreshMin 慢启动阈值下限
	ThreshMin = 2
)

// CongestionStats 拥塞控制统计信息，用于监控和分析算法表现
type CongestionStats struct {
	Cwnd           uint32 // 当前拥塞窗口（分片数）
	Ssthresh       uint32 // 慢启动阈值（分片数）
	Incr           uint32 // 拥塞避免阶段的可发送字节累计
	SlowStartAcks  uint64 // 慢启动阶段处理的窗口推进次数
	AvoidanceAcks  uint64 // 拥塞避免阶段处理的窗口推进次数
	FastRecoveries uint64 // 快速重传触发的窗口收缩次数
	Timeouts       uint64 // 超时重传触发的窗口重置次数
}

// Window 经典的TCP风格拥塞窗口
// 非并发安全，调用方（ARQ引擎）保证单线程访问
type Window struct {
	cwnd     uint32
	ssthresh uint32
	incr     uint32
	mss      uint32

	stats CongestionStats
}

// NewWindow 创建拥塞窗口，mss为单个分片的最大负载字节数
// 初始cwnd为1，首次刷新即可发出一个分片
func NewWindow(mss uint32) *Window {
	return &Window{
		cwnd:     1,
		incr:     mss,
		ssthresh: ThreshInit,
		mss:      mss,
	}
}

// SetMSS MTU变化后同步分片大小
func (w *Window) SetMSS(mss uint32) {
	w.mss = mss
}

// Cwnd 当前拥塞窗口（分片数）
func (w *Window) Cwnd() uint32 { return w.cwnd }

func (w *Window) Ssthresh() uint32 { return w.ssthresh }

// OnAck 累计确认推进时调用：慢启动或拥塞避免，窗口不超过对端通告窗口
func (w *Window) OnAck(rmtWnd uint32) {
	if w.cwnd >= rmtWnd {
		return
	}
	mss := w.mss
	if w.cwnd < w.ssthresh {
		// 慢启动：每次推进增加一个分片
		w.cwnd++
		w.incr += mss
		w.stats.SlowStartAcks++
	} else {
		// 拥塞避免：incr按 mss²/incr + mss/16 增长，攒够一个分片才扩大cwnd
		if w.incr < mss {
			w.incr = mss
		}
		w.incr += (mss*mss)/w.incr + (mss / 16)
		if (w.cwnd+1)*mss <= w.incr {
			if mss > 0 {
				w.cwnd = (w.incr + mss - 1) / mss
			} else {
				w.cwnd = w.incr + mss - 1
			}
		}
		w.stats.AvoidanceAcks++
	}
	if w.cwnd > rmtWnd {
		w.cwnd = rmtWnd
		w.incr = rmtWnd * mss
	}
}

// OnFastRetransmit 快速重传后收缩窗口（速率减半）
// inflight为当前已发送未确认的分片数，resend为快速重传阈值
func (w *Window) OnFastRetransmit(inflight, resend uint32) {
	w.ssthresh = inflight / 2
	if w.ssthresh < ThreshMin {
		w.ssthresh = ThreshMin
	}
	w.cwnd = w.ssthresh + resend
	w.incr = w.cwnd * w.mss
	w.stats.FastRecoveries++
}

// OnTimeout 超时重传后回到慢启动，wnd为本轮刷新使用的有效窗口
func (w *Window) OnTimeout(wnd uint32) {
	w.ssthresh = wnd / 2
	if w.ssthresh < ThreshMin {
		w.ssthresh = ThreshMin
	}
	w.cwnd = 1
	w.incr = w.mss
	w.stats.Timeouts++
}

// Clamp 保证cwnd不低于1
func (w *Window) Clamp() {
	if w.cwnd < 1 {
		w.cwnd = 1
		w.incr = w.mss
	}
}

// GetStatistics 获取当前拥塞控制统计信息
func (w *Window) GetStatistics() CongestionStats {
	s := w.stats
	s.Cwnd = w.cwnd
	s.Ssthresh = w.ssthresh
	s.Incr = w.incr
	return s
}
