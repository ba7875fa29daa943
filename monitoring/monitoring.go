package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"popfork/logx"
)

// Process-wide counters for performance analysis and crash accounting,
// registered on the default prometheus registry.
type forkPromMetrics struct {
	panicCount    prometheus.Counter
	cacheHits     prometheus.Counter
	prefetchHits  prometheus.Counter
	rpcMisses     prometheus.Counter
	nextKeyCache  prometheus.Counter
	nextKeyRPC    prometheus.Counter
	remoteRetries prometheus.Counter
	rateLimited   prometheus.Counter
}

func newForkPromMetrics() *forkPromMetrics {
	return &forkPromMetrics{
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_panic_count",
				Help: "The total number of panics trapped in spawned goroutines",
			},
		),
		cacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_cache_hits",
				Help: "The total number of storage reads served from the persistent cache",
			},
		),
		prefetchHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_prefetch_hits",
				Help: "The total number of storage reads served by a speculative warmup",
			},
		),
		rpcMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_rpc_misses",
				Help: "The total number of storage reads that needed a remote fetch",
			},
		),
		nextKeyCache: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_next_key_cache",
				Help: "The total number of next-key queries served from a completed scan",
			},
		),
		nextKeyRPC: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_next_key_rpc",
				Help: "The total number of next-key queries sent to the remote node",
			},
		),
		remoteRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_remote_retries",
				Help: "The total number of remote call retries after transport failures",
			},
		),
		rateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "popfork_rate_limited",
				Help: "The total number of requests rejected by the rate limiter",
			},
		),
	}
}

var forkMetrics = newForkPromMetrics()

// RegisterMetrics exposes the prometheus scrape endpoint on mux
func RegisterMetrics(mux *http.ServeMux) {
	logx.Info("MONITORING", "registering prometheus metrics")
	mux.Handle("/metrics", promhttp.Handler())
}

func IncreasePanicCount()    { forkMetrics.panicCount.Inc() }
func IncreaseCacheHits()     { forkMetrics.cacheHits.Inc() }
func IncreasePrefetchHits()  { forkMetrics.prefetchHits.Inc() }
func IncreaseRPCMisses()     { forkMetrics.rpcMisses.Inc() }
func IncreaseNextKeyCache()  { forkMetrics.nextKeyCache.Inc() }
func IncreaseNextKeyRPC()    { forkMetrics.nextKeyRPC.Inc() }
func IncreaseRemoteRetries() { forkMetrics.remoteRetries.Inc() }
func IncreaseRateLimited()   { forkMetrics.rateLimited.Inc() }

// Stats is a point-in-time snapshot of the storage access counters,
// gathered from the registry for the dev_stats RPC.
type Stats struct {
	PanicCount    uint64 `json:"panic_count"`
	CacheHits     uint64 `json:"cache_hits"`
	PrefetchHits  uint64 `json:"prefetch_hits"`
	RPCMisses     uint64 `json:"rpc_misses"`
	NextKeyCache  uint64 `json:"next_key_cache"`
	NextKeyRPC    uint64 `json:"next_key_rpc"`
	RemoteRetries uint64 `json:"remote_retries"`
	RateLimited   uint64 `json:"rate_limited"`
}

// Snapshot reads all counters at once
func Snapshot() Stats {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		logx.Warn("MONITORING", "gather:", err.Error())
		return Stats{}
	}
	values := make(map[string]uint64, len(families))
	for _, family := range families {
		metrics := family.GetMetric()
		if len(metrics) == 0 || metrics[0].GetCounter() == nil {
			continue
		}
		values[family.GetName()] = uint64(metrics[0].GetCounter().GetValue())
	}
	return Stats{
		PanicCount:    values["popfork_panic_count"],
		CacheHits:     values["popfork_cache_hits"],
		PrefetchHits:  values["popfork_prefetch_hits"],
		RPCMisses:     values["popfork_rpc_misses"],
		NextKeyCache:  values["popfork_next_key_cache"],
		NextKeyRPC:    values["popfork_next_key_rpc"],
		RemoteRetries: values["popfork_remote_retries"],
		RateLimited:   values["popfork_rate_limited"],
	}
}
