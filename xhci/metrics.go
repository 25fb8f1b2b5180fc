package xhci

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes this driver's operating counters as Prometheus
// collectors, wired the way a hosted port of a bare-metal driver would
// add observability the original embedded code had no room for.
// Registration is left to the caller (cmd/xhcishadowctl or diag) rather
// than using prometheus's global DefaultRegisterer, so multiple
// Controllers (one per physical xHCI device) can each own an
// independent metrics set.
type Metrics struct {
	CommandsProcessed prometheus.Counter
	TransfersSubmitted *prometheus.CounterVec
	TransfersCompleted *prometheus.CounterVec
	HookDiscards       *prometheus.CounterVec
	ActiveSlots        prometheus.Gauge
	RingGrowths        prometheus.Counter
}

// NewMetrics builds an unregistered Metrics set. Call Register to
// attach it to a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_shadow_commands_processed_total",
			Help: "Command Ring TRBs shadowed and forwarded to hardware.",
		}),
		TransfersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_shadow_transfers_submitted_total",
			Help: "URBs constructed and appended to a shadow Transfer Ring.",
		}, []string{"direction"}),
		TransfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_shadow_transfers_completed_total",
			Help: "Transfer Events consumed, labeled by completion code.",
		}, []string{"code"}),
		HookDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhci_shadow_hook_discards_total",
			Help: "URBs discarded by a registered hook, labeled by phase.",
		}, []string{"phase"}),
		ActiveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xhci_shadow_active_slots",
			Help: "Device Slots currently host-owned.",
		}),
		RingGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhci_shadow_ring_growths_total",
			Help: "Transfer/Command Ring segment growths performed.",
		}),
	}
}

// Register attaches every collector in m to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.CommandsProcessed,
		m.TransfersSubmitted,
		m.TransfersCompleted,
		m.HookDiscards,
		m.ActiveSlots,
		m.RingGrowths,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}
