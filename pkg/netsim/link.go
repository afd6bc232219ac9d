// 有损链路仿真：在虚拟时钟上模拟丢包、重复、乱序、时延抖动与带宽限制
// 所有随机行为由Seed决定，相同配置与输入得到相同结果
package netsim

import (
	"container/heap"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Config 单向链路参数
type Config struct {
	Loss      float64 `yaml:"loss" mapstructure:"loss"`           // 丢包概率 [0,1]
	Duplicate float64 `yaml:"duplicate" mapstructure:"duplicate"` // 重复概率 [0,1]
	Reorder   float64 `yaml:"reorder" mapstructure:"reorder"`     // 额外延迟造成乱序的概率 [0,1]
	Delay     uint32  `yaml:"delay" mapstructure:"delay"`         // 单向基础时延（毫秒）
	Jitter    uint32  `yaml:"jitter" mapstructure:"jitter"`       // 时延抖动上限（毫秒）
	Bandwidth int     `yaml:"bandwidth" mapstructure:"bandwidth"` // 字节/秒，0表示不限
	Seed      int64   `yaml:"seed" mapstructure:"seed"`
}

// Stats 链路计数
type Stats struct {
	Sent       uint64 `json:"sent"`
	Dropped    uint64 `json:"dropped"`
	Duplicated uint64 `json:"duplicated"`
	Reordered  uint64 `json:"reordered"`
	Delivered  uint64 `json:"delivered"`
}

type packet struct {
	at   uint32
	seq  uint64
	data []byte
}

// packetQueue 按到达时间排序的小顶堆，同一时刻按发送顺序
type packetQueue []*packet

func (q packetQueue) Len() int { return len(q) }

func (q packetQueue) Less(i, j int) bool {
	d := int32(q[i].at - q[j].at)
	if d != 0 {
		return d < 0
	}
	return q[i].seq < q[j].seq
}

func (q packetQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *packetQueue) Push(x interface{}) { *q = append(*q, x.(*packet)) }

func (q *packetQueue) Pop() interface{} {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return p
}

// Link 单向有损链路，非并发安全
type Link struct {
	cfg     Config
	rng     *rand.Rand
	limiter *rate.Limiter
	epoch   time.Time

	queue packetQueue
	seq   uint64

	dropEvery int
	count     int

	stats Stats
}

func NewLink(cfg Config) *Link {
	l := &Link{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		epoch: time.Unix(0, 0),
	}
	if cfg.Bandwidth > 0 {
		burst := cfg.Bandwidth / 10
		if burst < 64*1024 {
			burst = 64 * 1024
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.Bandwidth), burst)
	}
	return l
}

// DropEvery 确定性丢包：每n个数据报丢弃第n个，0关闭
func (l *Link) DropEvery(n int) {
	l.dropEvery = n
	l.count = 0
}

// virtual 将毫秒虚拟时间映射为time.Time，供限速器计算
func (l *Link) virtual(now uint32) time.Time {
	return l.epoch.Add(time.Duration(now) * time.Millisecond)
}

// Send 在now时刻发送一个数据报，pkt会被拷贝
func (l *Link) Send(now uint32, pkt []byte) {
	l.stats.Sent++

	if l.dropEvery > 0 {
		l.count++
		if l.count%l.dropEvery == 0 {
			l.stats.Dropped++
			return
		}
	}
	if l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss {
		l.stats.Dropped++
		return
	}

	at := now + l.cfg.Delay
	if l.cfg.Jitter > 0 {
		at += uint32(l.rng.Int63n(int64(l.cfg.Jitter) + 1))
	}
	if l.cfg.Reorder > 0 && l.rng.Float64() < l.cfg.Reorder {
		at += l.cfg.Delay + l.cfg.Jitter + uint32(l.rng.Int63n(20)) + 1
		l.stats.Reordered++
	}
	if l.limiter != nil {
		r := l.limiter.ReserveN(l.virtual(now), len(pkt))
		if !r.OK() {
			l.stats.Dropped++
			return
		}
		at += uint32(r.DelayFrom(l.virtual(now)) / time.Millisecond)
	}

	l.enqueue(at, pkt)
	if l.cfg.Duplicate > 0 && l.rng.Float64() < l.cfg.Duplicate {
		l.stats.Duplicated++
		l.enqueue(at+uint32(l.rng.Int63n(5)), pkt)
	}
}

func (l *Link) enqueue(at uint32, pkt []byte) {
	data := make([]byte, len(pkt))
	copy(data, pkt)
	l.seq++
	heap.Push(&l.queue, &packet{at: at, seq: l.seq, data: data})
}

// Deliver 取出所有到达时间不晚于now的数据报
func (l *Link) Deliver(now uint32) [][]byte {
	var out [][]byte
	for l.queue.Len() > 0 && int32(l.queue[0].at-now) <= 0 {
		p := heap.Pop(&l.queue).(*packet)
		out = append(out, p.data)
	}
	l.stats.Delivered += uint64(len(out))
	return out
}

// Pending 尚在链路上的数据报个数
func (l *Link) Pending() int { return l.queue.Len() }

func (l *Link) Stats() Stats { return l.stats }
