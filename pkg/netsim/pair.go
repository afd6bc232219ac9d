package netsim

import (
	"github.com/junbin-yang/uarq-go/pkg/utils/timer"
)

// Endpoint 被仿真驱动的一端（ARQ会话满足该接口）
type Endpoint interface {
	Input(data []byte) error
	Update(now uint32)
}

// Pair 通过两条单向链路连接两端，在虚拟时钟上逐步推进
//
//	A --AB--> B
//	A <--BA-- B
type Pair struct {
	Clock *timer.Manual
	AB    *Link
	BA    *Link

	a, b Endpoint

	InputErrs int
}

// NewPair 创建两条链路，start为虚拟时钟起点（可用于测试回绕）
func NewPair(start uint32, ab, ba Config) *Pair {
	return &Pair{
		Clock: timer.NewManual(start),
		AB:    NewLink(ab),
		BA:    NewLink(ba),
	}
}

// OutputA 端点A的输出回调，写入AB链路
func (p *Pair) OutputA() func([]byte) {
	return func(buf []byte) { p.AB.Send(p.Clock.Now(), buf) }
}

// OutputB 端点B的输出回调，写入BA链路
func (p *Pair) OutputB() func([]byte) {
	return func(buf []byte) { p.BA.Send(p.Clock.Now(), buf) }
}

// Attach 绑定两端，必须在Step之前调用
func (p *Pair) Attach(a, b Endpoint) {
	p.a, p.b = a, b
}

// Step 推进ms毫秒：先投递到达的数据报，再驱动两端Update
func (p *Pair) Step(ms uint32) {
	now := p.Clock.Advance(ms)
	for _, pkt := range p.AB.Deliver(now) {
		if err := p.b.Input(pkt); err != nil {
			p.InputErrs++
		}
	}
	for _, pkt := range p.BA.Deliver(now) {
		if err := p.a.Input(pkt); err != nil {
			p.InputErrs++
		}
	}
	p.a.Update(now)
	p.b.Update(now)
}

// Run 以step为步长推进，直到done返回true或累计推进超过limit毫秒
// 返回done是否达成
func (p *Pair) Run(step, limit uint32, done func() bool) bool {
	var elapsed uint32
	for elapsed <= limit {
		if done() {
			return true
		}
		p.Step(step)
		elapsed += step
	}
	return done()
}
