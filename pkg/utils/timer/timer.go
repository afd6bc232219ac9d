// 提供毫秒级时钟与可重置的唤醒定时器，用于驱动ARQ引擎的Update/Check调度
package timer

import (
	"sync"
	"time"
)

// Clock 毫秒时钟，返回值为32位并允许回绕，比较时需使用差值运算
type Clock interface {
	Now() uint32
}

// Monotonic 基于单调时钟的实现，以创建时刻为零点
type Monotonic struct {
	start time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{start: time.Now()}
}

func (m *Monotonic) Now() uint32 {
	return uint32(time.Since(m.start) / time.Millisecond)
}

// Manual 手动推进的时钟，用于仿真与测试
type Manual struct {
	mu  sync.Mutex
	now uint32
}

func NewManual(start uint32) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 推进ms毫秒并返回推进后的时间
func (m *Manual) Advance(ms uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += ms
	return m.now
}

func (m *Manual) Set(now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Until 返回从now到deadline的等待时长，deadline已过期时返回0
func Until(now, deadline uint32) time.Duration {
	diff := int32(deadline - now)
	if diff <= 0 {
		return 0
	}
	return time.Duration(diff) * time.Millisecond
}

// Waker 可重置的一次性定时器
// 调用方在C上等待；Kick立即唤醒，Reset重新设定唤醒时间
type Waker struct {
	t *time.Timer
	C <-chan time.Time

	kick chan struct{}
}

func NewWaker() *Waker {
	t := time.NewTimer(time.Hour)
	return &Waker{t: t, C: t.C, kick: make(chan struct{}, 1)}
}

// Reset 在d之后唤醒
func (w *Waker) Reset(d time.Duration) {
	if !w.t.Stop() {
		select {
		case <-w.t.C:
		default:
		}
	}
	w.t.Reset(d)
}

// Kick 请求尽快唤醒，多次调用会合并
func (w *Waker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Kicked 返回Kick通知通道
func (w *Waker) Kicked() <-chan struct{} {
	return w.kick
}

func (w *Waker) Stop() {
	w.t.Stop()
}
