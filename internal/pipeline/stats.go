package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is one direction's counter set, updated lock-free from the
// stage loops.
type Stats struct {
	Packets  atomic.Uint64
	Bytes    atomic.Uint64
	Errors   atomic.Uint64
	Drops    atomic.Uint64
	Filtered atomic.Uint64
	NoBuffer atomic.Uint64
}

// PendingSource exposes the scheduler's mirrored in-hardware count.
type PendingSource interface {
	PendingPackets() uint64
}

// Collector exports both directions plus the FIFO mirror as prometheus
// metrics.
type Collector struct {
	rx, tx  *Stats
	pending PendingSource

	descs map[string]*prometheus.Desc
}

func NewCollector(rx, tx *Stats, pending PendingSource) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &Collector{
		rx:      rx,
		tx:      tx,
		pending: pending,
		descs: map[string]*prometheus.Desc{
			"rx_packets":  mk("tsn_rx_packets_total", "Frames received from the device"),
			"rx_bytes":    mk("tsn_rx_bytes_total", "Bytes received from the device"),
			"rx_errors":   mk("tsn_rx_errors_total", "Receive DMA errors and oversized frames"),
			"rx_drops":    mk("tsn_rx_drops_total", "Frames dropped on the receive path"),
			"rx_nobuffer": mk("tsn_rx_no_buffer_total", "Receive attempts refused for lack of pool buffers"),
			"tx_packets":  mk("tsn_tx_packets_total", "Frames handed to the device"),
			"tx_bytes":    mk("tsn_tx_bytes_total", "Bytes handed to the device"),
			"tx_errors":   mk("tsn_tx_errors_total", "Transmit DMA errors and refusals"),
			"tx_filtered": mk("tsn_tx_filtered_total", "Frames the classifier did not reshape"),
			"hw_pending":  mk("tsn_hw_pending_packets", "Frames mirrored as resident in the device FIFO"),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	counter("rx_packets", c.rx.Packets.Load())
	counter("rx_bytes", c.rx.Bytes.Load())
	counter("rx_errors", c.rx.Errors.Load())
	counter("rx_drops", c.rx.Drops.Load())
	counter("rx_nobuffer", c.rx.NoBuffer.Load())
	counter("tx_packets", c.tx.Packets.Load())
	counter("tx_bytes", c.tx.Bytes.Load())
	counter("tx_errors", c.tx.Errors.Load())
	counter("tx_filtered", c.tx.Filtered.Load())
	ch <- prometheus.MustNewConstMetric(c.descs["hw_pending"], prometheus.GaugeValue,
		float64(c.pending.PendingPackets()))
}
