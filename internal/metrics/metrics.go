package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_hits_total",
}, []string{"cache", "tier"})
var CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_misses_total",
}, []string{"cache", "tier"})
var CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_cache_evictions_total",
}, []string{"cache", "reason"})
var CacheNumItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "media_cache_num_items",
}, []string{"cache"})
var Fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_fetches_total",
}, []string{"cache", "result"})
var FetchesInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "media_inflight_fetches",
}, []string{"cache"})
var DiskWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "media_disk_writes_total",
}, []string{"cache", "result"})
var ProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "media_processing_time_seconds",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
}, []string{"cache"})

func init() {
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheEvictions)
	prometheus.MustRegister(CacheNumItems)
	prometheus.MustRegister(Fetches)
	prometheus.MustRegister(FetchesInFlight)
	prometheus.MustRegister(DiskWrites)
	prometheus.MustRegister(ProcessingTime)
}
