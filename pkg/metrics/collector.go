// Prometheus指标导出：按会话暴露ARQ引擎计数器与RTT、窗口状态
package metrics

import (
	"github.com/junbin-yang/uarq-go/pkg/transport/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Source 提供会话统计快照
type Source interface {
	SessionStats() []session.Stats
}

// Collector 实现prometheus.Collector，每次抓取时读取Source
type Collector struct {
	source Source

	segmentsIn  *prometheus.Desc
	segmentsOut *prometheus.Desc
	bytesIn     *prometheus.Desc
	bytesOut    *prometheus.Desc
	retransmits *prometheus.Desc
	repeats     *prometheus.Desc
	inErrs      *prometheus.Desc
	srtt        *prometheus.Desc
	rto         *prometheus.Desc
	cwnd        *prometheus.Desc
	waitSnd     *prometheus.Desc
	sessions    *prometheus.Desc
}

var sessionLabels = []string{"session", "remote"}

func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("uarq", "", name), help, labels, nil)
	}
	return &Collector{
		source:      src,
		segmentsIn:  desc("segments_in_total", "Segments accepted by the engine.", sessionLabels...),
		segmentsOut: desc("segments_out_total", "Segments emitted by the engine.", sessionLabels...),
		bytesIn:     desc("datagram_bytes_in_total", "UDP payload bytes received.", sessionLabels...),
		bytesOut:    desc("datagram_bytes_out_total", "UDP payload bytes sent.", sessionLabels...),
		retransmits: desc("retransmits_total", "Retransmitted segments by trigger.", append(sessionLabels, "kind")...),
		repeats:     desc("repeat_segments_total", "Duplicate data segments received.", sessionLabels...),
		inErrs:      desc("input_errors_total", "Datagrams rejected by the decoder.", sessionLabels...),
		srtt:        desc("srtt_ms", "Smoothed round trip time in milliseconds.", sessionLabels...),
		rto:         desc("rto_ms", "Current retransmission timeout in milliseconds.", sessionLabels...),
		cwnd:        desc("cwnd", "Congestion window in segments.", sessionLabels...),
		waitSnd:     desc("wait_snd", "Segments queued or awaiting acknowledgement.", sessionLabels...),
		sessions:    desc("sessions", "Live sessions."),
	}
}

// Describe 实现prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.segmentsIn, c.segmentsOut, c.bytesIn, c.bytesOut, c.retransmits,
		c.repeats, c.inErrs, c.srtt, c.rto, c.cwnd, c.waitSnd, c.sessions,
	} {
		ch <- d
	}
}

// Collect 实现prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.SessionStats()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(stats)))

	for _, st := range stats {
		e := st.Engine
		counter := func(d *prometheus.Desc, v uint64, extra ...string) {
			labels := append([]string{st.ID, st.Remote}, extra...)
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, st.ID, st.Remote)
		}

		counter(c.segmentsIn, e.InSegs)
		counter(c.segmentsOut, e.OutSegs)
		counter(c.bytesIn, st.BytesIn)
		counter(c.bytesOut, st.BytesOut)
		counter(c.retransmits, e.LostSegs, "timeout")
		counter(c.retransmits, e.FastRetransSegs, "fast")
		counter(c.repeats, e.RepeatSegs)
		counter(c.inErrs, e.InErrs)
		gauge(c.srtt, float64(e.SRTT))
		gauge(c.rto, float64(e.RTO))
		gauge(c.cwnd, float64(e.Cwnd))
		gauge(c.waitSnd, float64(e.WaitSnd))
	}
}
