// Package metrics exposes pipeline counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records pipeline metrics. A nil *Recorder is a no-op so
// components can be built without one.
type Recorder struct {
	signals      *prometheus.CounterVec
	vetoes       *prometheus.CounterVec
	orders       *prometheus.CounterVec
	stageErrors  *prometheus.CounterVec
	queueDrops   *prometheus.CounterVec
	slippage     prometheus.Histogram
	sendLatency  prometheus.Histogram
	stageLatency *prometheus.HistogramVec
	maxRisk      prometheus.Gauge
	drawdown     prometheus.Gauge
	balance      prometheus.Gauge
	winRate      prometheus.Gauge
	regime       *prometheus.GaugeVec
}

// New registers the recorder's collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fxtrader_signals_total",
			Help: "Aggregated signals by direction",
		}, []string{"direction"}),
		vetoes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fxtrader_vetoes_total",
			Help: "Trades rejected by a gate",
		}, []string{"gate", "reason"}),
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fxtrader_orders_total",
			Help: "Orders sent to the venue by type and result",
		}, []string{"type", "result"}),
		stageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fxtrader_stage_errors_total",
			Help: "Stage iteration errors by kind",
		}, []string{"stage", "kind"}),
		queueDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fxtrader_queue_drops_total",
			Help: "Items dropped or overwritten at a hand-off queue",
		}, []string{"queue"}),
		slippage: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxtrader_slippage_pips",
			Help:    "Absolute slippage per execution in pips",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		sendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fxtrader_order_send_seconds",
			Help:    "Venue round trip per order",
			Buckets: prometheus.DefBuckets,
		}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fxtrader_stage_duration_seconds",
			Help:    "Duration of one stage iteration",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		maxRisk: f.NewGauge(prometheus.GaugeOpts{
			Name: "fxtrader_max_risk_per_trade",
			Help: "Current max risk per trade fraction",
		}),
		drawdown: f.NewGauge(prometheus.GaugeOpts{
			Name: "fxtrader_drawdown",
			Help: "Current account drawdown fraction",
		}),
		balance: f.NewGauge(prometheus.GaugeOpts{
			Name: "fxtrader_account_balance",
			Help: "Last known account balance",
		}),
		winRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "fxtrader_win_rate",
			Help: "Trailing win rate",
		}),
		regime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fxtrader_regime",
			Help: "1 for the active regime, 0 otherwise",
		}, []string{"regime"}),
	}
}

// RecordSignal counts an aggregated signal.
func (r *Recorder) RecordSignal(direction string) {
	if r == nil {
		return
	}
	r.signals.WithLabelValues(direction).Inc()
}

// RecordVeto counts a gate rejection.
func (r *Recorder) RecordVeto(gate, reason string) {
	if r == nil {
		return
	}
	r.vetoes.WithLabelValues(gate, reason).Inc()
}

// RecordOrder counts a venue order and its send latency.
func (r *Recorder) RecordOrder(orderType, result string, seconds float64) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(orderType, result).Inc()
	r.sendLatency.Observe(seconds)
}

// RecordSlippage observes execution slippage in pips.
func (r *Recorder) RecordSlippage(pips float64) {
	if r == nil {
		return
	}
	r.slippage.Observe(pips)
}

// RecordStageError counts a failed stage iteration.
func (r *Recorder) RecordStageError(stage, kind string) {
	if r == nil {
		return
	}
	r.stageErrors.WithLabelValues(stage, kind).Inc()
}

// RecordStageDuration observes one stage iteration.
func (r *Recorder) RecordStageDuration(stage string, seconds float64) {
	if r == nil {
		return
	}
	r.stageLatency.WithLabelValues(stage).Observe(seconds)
}

// RecordQueueDrop counts a dropped or overwritten hand-off item.
func (r *Recorder) RecordQueueDrop(queue string) {
	if r == nil {
		return
	}
	r.queueDrops.WithLabelValues(queue).Inc()
}

// RecordRisk publishes the shared risk state.
func (r *Recorder) RecordRisk(balance, drawdown, maxRisk float64) {
	if r == nil {
		return
	}
	r.balance.Set(balance)
	r.drawdown.Set(drawdown)
	r.maxRisk.Set(maxRisk)
}

// RecordWinRate publishes the trailing win rate.
func (r *Recorder) RecordWinRate(v float64) {
	if r == nil {
		return
	}
	r.winRate.Set(v)
}

// RecordRegime marks current as the active regime.
func (r *Recorder) RecordRegime(current string, all []string) {
	if r == nil {
		return
	}
	for _, name := range all {
		v := 0.0
		if name == current {
			v = 1
		}
		r.regime.WithLabelValues(name).Set(v)
	}
}
