package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/callroute/internal/mapping"
	"github.com/flowpbx/callroute/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MappingStatusProvider exposes the live state of the mapping cache.
type MappingStatusProvider interface {
	Snapshot() *mapping.Snapshot
	RefreshInFlight() bool
	Stale() bool
}

type refreshKey struct {
	trigger string
	result  string
}

// Collector is a prometheus.Collector that gathers callroute metrics at
// scrape time. It also implements mapping.Observer and routing.CallObserver
// to count refresh runs and routing decisions.
type Collector struct {
	cache     MappingStatusProvider
	startTime time.Time
	now       func() time.Time

	mu              sync.Mutex
	refreshes       map[refreshKey]uint64
	decisions       map[routing.Reason]uint64
	lastRefreshSecs float64

	// Metric descriptors.
	mappedOwnersDesc  *prometheus.Desc
	directoryDesc     *prometheus.Desc
	mappingAgeDesc    *prometheus.Desc
	mappingStaleDesc  *prometheus.Desc
	inFlightDesc      *prometheus.Desc
	refreshTotalDesc  *prometheus.Desc
	lastDurationDesc  *prometheus.Desc
	decisionTotalDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. cache may be nil if the
// mapping is unavailable.
func NewCollector(cache MappingStatusProvider, startTime time.Time) *Collector {
	return &Collector{
		cache:     cache,
		startTime: startTime,
		now:       time.Now,
		refreshes: make(map[refreshKey]uint64),
		decisions: make(map[routing.Reason]uint64),

		mappedOwnersDesc: prometheus.NewDesc(
			"callroute_mapping_owners",
			"Number of CRM owners mapped to a telephony user",
			nil, nil,
		),
		directoryDesc: prometheus.NewDesc(
			"callroute_mapping_directory_records",
			"Records fetched from each directory in the current mapping",
			[]string{"directory"}, nil,
		),
		mappingAgeDesc: prometheus.NewDesc(
			"callroute_mapping_age_seconds",
			"Seconds since the current mapping was built",
			nil, nil,
		),
		mappingStaleDesc: prometheus.NewDesc(
			"callroute_mapping_stale",
			"Whether the mapping is empty or older than its TTL (1=stale)",
			nil, nil,
		),
		inFlightDesc: prometheus.NewDesc(
			"callroute_refresh_in_flight",
			"Whether a mapping refresh is currently running (1=running)",
			nil, nil,
		),
		refreshTotalDesc: prometheus.NewDesc(
			"callroute_refresh_total",
			"Mapping refresh runs by trigger and result",
			[]string{"trigger", "result"}, nil,
		),
		lastDurationDesc: prometheus.NewDesc(
			"callroute_refresh_last_duration_seconds",
			"Duration of the most recent mapping refresh run",
			nil, nil,
		),
		decisionTotalDesc: prometheus.NewDesc(
			"callroute_route_decisions_total",
			"Webhook routing decisions by reason",
			[]string{"reason"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callroute_uptime_seconds",
			"Seconds since the callroute process started",
			nil, nil,
		),
	}
}

// TrackMapping sets the cache reported by the mapping gauges. It must be
// called before the collector is registered.
func (c *Collector) TrackMapping(cache MappingStatusProvider) {
	c.cache = cache
}

// ObserveRefresh implements mapping.Observer.
func (c *Collector) ObserveRefresh(_ context.Context, report mapping.RefreshReport) {
	result := "success"
	if report.Err != nil {
		result = "failure"
	}
	c.mu.Lock()
	c.refreshes[refreshKey{trigger: string(report.Trigger), result: result}]++
	c.lastRefreshSecs = report.Duration.Seconds()
	c.mu.Unlock()
}

// ObserveCall implements routing.CallObserver.
func (c *Collector) ObserveCall(_ context.Context, call routing.CallRecord) {
	reason := call.Decision.Reason
	if reason == "" {
		reason = routing.ReasonError
	}
	c.mu.Lock()
	c.decisions[reason]++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mappedOwnersDesc
	ch <- c.directoryDesc
	ch <- c.mappingAgeDesc
	ch <- c.mappingStaleDesc
	ch <- c.inFlightDesc
	ch <- c.refreshTotalDesc
	ch <- c.lastDurationDesc
	ch <- c.decisionTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		snap := c.cache.Snapshot()
		ch <- prometheus.MustNewConstMetric(
			c.mappedOwnersDesc, prometheus.GaugeValue,
			float64(snap.Len()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.directoryDesc, prometheus.GaugeValue,
			float64(snap.Owners), "crm_owners",
		)
		ch <- prometheus.MustNewConstMetric(
			c.directoryDesc, prometheus.GaugeValue,
			float64(snap.Users), "telephony_users",
		)
		// No age until the first successful build.
		if !snap.RefreshedAt.IsZero() {
			ch <- prometheus.MustNewConstMetric(
				c.mappingAgeDesc, prometheus.GaugeValue,
				c.now().Sub(snap.RefreshedAt).Seconds(),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.mappingStaleDesc, prometheus.GaugeValue,
			boolValue(c.cache.Stale()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.inFlightDesc, prometheus.GaugeValue,
			boolValue(c.cache.RefreshInFlight()),
		)
	}

	c.mu.Lock()
	refreshes := make(map[refreshKey]uint64, len(c.refreshes))
	for k, v := range c.refreshes {
		refreshes[k] = v
	}
	decisions := make(map[routing.Reason]uint64, len(c.decisions))
	for k, v := range c.decisions {
		decisions[k] = v
	}
	lastDuration := c.lastRefreshSecs
	c.mu.Unlock()

	keys := make([]refreshKey, 0, len(refreshes))
	for k := range refreshes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].trigger != keys[j].trigger {
			return keys[i].trigger < keys[j].trigger
		}
		return keys[i].result < keys[j].result
	})
	for _, k := range keys {
		ch <- prometheus.MustNewConstMetric(
			c.refreshTotalDesc, prometheus.CounterValue,
			float64(refreshes[k]), k.trigger, k.result,
		)
	}
	if len(refreshes) > 0 {
		ch <- prometheus.MustNewConstMetric(
			c.lastDurationDesc, prometheus.GaugeValue,
			lastDuration,
		)
	}

	for reason, n := range decisions {
		ch <- prometheus.MustNewConstMetric(
			c.decisionTotalDesc, prometheus.CounterValue,
			float64(n), string(reason),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		c.now().Sub(c.startTime).Seconds(),
	)
}

// Handler returns an http.Handler serving c alongside the Go runtime and
// process collectors from a dedicated registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	_ mapping.Observer     = (*Collector)(nil)
	_ routing.CallObserver = (*Collector)(nil)
)
