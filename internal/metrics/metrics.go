package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Observations     *prometheus.CounterVec // operator, outcome
	PollDuration     *prometheus.HistogramVec
	PollErrors       *prometheus.CounterVec // operator, kind: transient|permanent
	OperatorDisabled *prometheus.GaugeVec

	StoreEntries  prometheus.Gauge
	StoreVehicles prometheus.Gauge
	StoreAlerts   prometheus.Gauge
	StoreSwept    prometheus.Counter

	ScheduleSwaps prometheus.Counter
	ScheduleStops prometheus.Gauge
	ScheduleTrips prometheus.Gauge

	PlanDuration prometheus.Histogram
	WSClients    prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitfuse_observations_total",
			Help: "Real-time observations by operator and reconciliation outcome.",
		}, []string{"operator", "outcome"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transitfuse_poll_duration_seconds",
			Help:    "Duration of one operator poll, fetch to store.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operator"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitfuse_poll_errors_total",
			Help: "Failed operator polls by error kind.",
		}, []string{"operator", "kind"}),
		OperatorDisabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transitfuse_operator_disabled",
			Help: "1 if the operator was disabled after a permanent feed error.",
		}, []string{"operator"}),
		StoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_store_entries",
			Help: "Stop-time entries held by the real-time store.",
		}),
		StoreVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_store_vehicles",
			Help: "Vehicle positions held by the real-time store.",
		}),
		StoreAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_store_alerts",
			Help: "Alerts held by the real-time store.",
		}),
		StoreSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitfuse_store_swept_total",
			Help: "Expired records removed by sweeps.",
		}),
		ScheduleSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitfuse_schedule_swaps_total",
			Help: "Schedule versions swapped in.",
		}),
		ScheduleStops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_schedule_stops",
			Help: "Stops in the current schedule.",
		}),
		ScheduleTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_schedule_trips",
			Help: "Trips in the current schedule.",
		}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitfuse_plan_duration_seconds",
			Help:    "Duration of journey planning queries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_ws_clients",
			Help: "Connected websocket clients.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitfuse_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitfuse_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitfuse_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitfuse_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.Observations, c.PollDuration, c.PollErrors, c.OperatorDisabled,
		c.StoreEntries, c.StoreVehicles, c.StoreAlerts, c.StoreSwept,
		c.ScheduleSwaps, c.ScheduleStops, c.ScheduleTrips,
		c.PlanDuration, c.WSClients,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveOutcomes(operator string, counts map[string]int) {
	for outcome, n := range counts {
		c.Observations.WithLabelValues(operator, outcome).Add(float64(n))
	}
}

func (c *Collector) ObservePoll(operator string, d time.Duration, errKind string) {
	c.PollDuration.WithLabelValues(operator).Observe(d.Seconds())
	if errKind != "" {
		c.PollErrors.WithLabelValues(operator, errKind).Inc()
	}
}

func (c *Collector) SetOperatorDisabled(operator string, disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	c.OperatorDisabled.WithLabelValues(operator).Set(v)
}

func (c *Collector) SetStoreSize(entries, vehicles, alerts int) {
	c.StoreEntries.Set(float64(entries))
	c.StoreVehicles.Set(float64(vehicles))
	c.StoreAlerts.Set(float64(alerts))
}

func (c *Collector) ObserveSweep(removed int) { c.StoreSwept.Add(float64(removed)) }

func (c *Collector) ObserveSwap(stops, trips int) {
	c.ScheduleSwaps.Inc()
	c.ScheduleStops.Set(float64(stops))
	c.ScheduleTrips.Set(float64(trips))
}

func (c *Collector) ObservePlan(d time.Duration) { c.PlanDuration.Observe(d.Seconds()) }

func (c *Collector) SetWSClients(n int) { c.WSClients.Set(float64(n)) }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}
