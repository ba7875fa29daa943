package remote

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"popfork/errors"
	"popfork/logx"
	"popfork/monitoring"
	"popfork/store"
	"popfork/types"
)

// warmupPrefixLen is the number of leading key bytes a speculative
// warmup groups on. Shorter keys are fetched individually.
const warmupPrefixLen = 32

// LayerConfig tunes the read-through layer
type LayerConfig struct {
	// ForkHash is the remote block every read is pinned to
	ForkHash types.Hash

	// PageSize bounds one state_getKeysPaged round trip
	PageSize int

	// WarmupDisabled turns speculative prefix warmup off
	WarmupDisabled bool

	// RemoteObserver, when set, is told the outcome of every actual
	// remote round trip. Reads served from the cache never report.
	RemoteObserver func(err error)

	// FailFast, when set and returning true, makes remote calls single
	// attempts with no retry backoff
	FailFast func() bool
}

func (c *LayerConfig) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 1000
	}
}

// Layer serves storage reads for the fork point. Every read goes to the
// persistent cache first; misses are fetched from the remote node once,
// deduplicated across concurrent callers, and cached forever. All remote
// reads are pinned to the fork block, so cached values never go stale.
type Layer struct {
	cfg     LayerConfig
	rpc     ChainRPC
	storage *store.StorageStore
	scans   *store.ScanStore

	group singleflight.Group

	mu     sync.Mutex
	warmed map[string]bool
}

// NewLayer creates a read-through layer over the given RPC client and
// persistent stores.
func NewLayer(cfg LayerConfig, rpc ChainRPC, storage *store.StorageStore, scans *store.ScanStore) *Layer {
	cfg.applyDefaults()
	return &Layer{
		cfg:     cfg,
		rpc:     rpc,
		storage: storage,
		scans:   scans,
		warmed:  make(map[string]bool),
	}
}

// observe reports an RPC outcome to the coordinator
func (l *Layer) observe(err error) {
	if l.cfg.RemoteObserver != nil {
		l.cfg.RemoteObserver(err)
	}
}

// callCtx marks ctx for a single attempt while the coordinator is
// degraded
func (l *Layer) callCtx(ctx context.Context) context.Context {
	if l.cfg.FailFast != nil && l.cfg.FailFast() {
		return WithFailFast(ctx)
	}
	return ctx
}

// Get returns the remote value of key at the fork point, fetching and
// caching it on first access. A key the remote chain has no value for
// returns an empty marker, also cached.
func (l *Layer) Get(ctx context.Context, key []byte) (types.StorageValue, error) {
	value, found, err := l.storage.Get(l.cfg.ForkHash, key)
	if err != nil {
		return types.StorageValue{}, err
	}
	if found {
		monitoring.IncreaseCacheHits()
		return value, nil
	}

	monitoring.IncreaseRPCMisses()
	fetched, err, _ := l.group.Do(string(key), func() (interface{}, error) {
		// another goroutine may have won the race while we queued
		value, found, err := l.storage.Get(l.cfg.ForkHash, key)
		if err != nil {
			return types.StorageValue{}, err
		}
		if found {
			return value, nil
		}

		l.maybeWarmup(ctx, key)

		value, found, err = l.storage.Get(l.cfg.ForkHash, key)
		if err != nil {
			return types.StorageValue{}, err
		}
		if found {
			monitoring.IncreasePrefetchHits()
			return value, nil
		}

		value, err = l.rpc.GetStorage(l.callCtx(ctx), key, l.cfg.ForkHash)
		l.observe(err)
		if err != nil {
			return types.StorageValue{}, err
		}
		if _, err := l.storage.Put(l.cfg.ForkHash, key, value); err != nil {
			return types.StorageValue{}, err
		}
		return value, nil
	})
	if err != nil {
		return types.StorageValue{}, err
	}
	return fetched.(types.StorageValue), nil
}

// maybeWarmup speculatively fetches one page of sibling keys the first
// time a prefix misses. Workloads that read one entry of a map usually
// read its neighbors next. Warmup failures only cost the optimization.
func (l *Layer) maybeWarmup(ctx context.Context, key []byte) {
	if l.cfg.WarmupDisabled || len(key) < warmupPrefixLen {
		return
	}
	prefix := key[:warmupPrefixLen]

	l.mu.Lock()
	if l.warmed[string(prefix)] {
		l.mu.Unlock()
		return
	}
	l.warmed[string(prefix)] = true
	l.mu.Unlock()

	keys, err := l.rpc.GetKeysPaged(l.callCtx(ctx), prefix, l.cfg.PageSize, nil, l.cfg.ForkHash)
	l.observe(err)
	if err != nil {
		logx.Debug("REMOTE", "warmup skipped for prefix:", err.Error())
		return
	}
	if len(keys) == 0 {
		return
	}
	values, err := l.rpc.GetStorageBatch(l.callCtx(ctx), keys, l.cfg.ForkHash)
	l.observe(err)
	if err != nil {
		logx.Debug("REMOTE", "warmup fetch failed:", err.Error())
		return
	}
	if err := l.storage.PutBatch(l.cfg.ForkHash, values); err != nil {
		logx.Warn("REMOTE", "warmup cache fill failed:", err.Error())
	}
}

// GetBatch resolves many keys at once, fetching only the uncached ones
// in a single remote round trip.
func (l *Layer) GetBatch(ctx context.Context, keys [][]byte) (map[string]types.StorageValue, error) {
	result := make(map[string]types.StorageValue, len(keys))
	var missing [][]byte
	for _, key := range keys {
		value, found, err := l.storage.Get(l.cfg.ForkHash, key)
		if err != nil {
			return nil, err
		}
		if found {
			monitoring.IncreaseCacheHits()
			result[string(key)] = value
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) == 0 {
		return result, nil
	}

	monitoring.IncreaseRPCMisses()
	fetched, err := l.rpc.GetStorageBatch(l.callCtx(ctx), missing, l.cfg.ForkHash)
	l.observe(err)
	if err != nil {
		return nil, err
	}
	if err := l.storage.PutBatch(l.cfg.ForkHash, fetched); err != nil {
		return nil, err
	}
	// read back through the cache so concurrent first writers agree
	for _, key := range missing {
		value, found, err := l.storage.Get(l.cfg.ForkHash, key)
		if err != nil {
			return nil, err
		}
		if !found {
			value = fetched[string(key)]
		}
		result[string(key)] = value
	}
	return result, nil
}

// NextKey returns the smallest remote key strictly greater than key at
// the fork point, or nil at the end of state. Served from the cache when
// a completed scan already covers the key's prefix.
func (l *Layer) NextKey(ctx context.Context, key []byte) ([]byte, error) {
	_, covered, err := l.scans.CoveringScan(l.cfg.ForkHash, key)
	if err != nil {
		return nil, err
	}
	if covered {
		monitoring.IncreaseNextKeyCache()
		return l.storage.NextKeyAfter(l.cfg.ForkHash, key)
	}

	monitoring.IncreaseNextKeyRPC()
	keys, err := l.rpc.GetKeysPaged(l.callCtx(ctx), nil, 1, key, l.cfg.ForkHash)
	l.observe(err)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys[0], nil
}

// PrefetchPrefix walks the whole remote keyspace under prefix, caching
// every entry. Progress persists across calls and restarts: an
// interrupted walk resumes from its last recorded cursor, and a second
// call after completion is a no-op.
func (l *Layer) PrefetchPrefix(ctx context.Context, prefix []byte) error {
	progress, found, err := l.scans.Progress(l.cfg.ForkHash, prefix)
	if err != nil {
		return err
	}
	if found && progress.IsComplete {
		return nil
	}

	var cursor []byte
	if found {
		cursor = progress.LastScannedKey
	}

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.KindTransport, "remote.prefetch", err)
		}

		keys, err := l.rpc.GetKeysPaged(l.callCtx(ctx), prefix, l.cfg.PageSize, cursor, l.cfg.ForkHash)
		l.observe(err)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			values, err := l.rpc.GetStorageBatch(l.callCtx(ctx), keys, l.cfg.ForkHash)
			l.observe(err)
			if err != nil {
				return err
			}
			if err := l.storage.PutBatch(l.cfg.ForkHash, values); err != nil {
				return err
			}
			cursor = keys[len(keys)-1]
		}

		complete := len(keys) < l.cfg.PageSize
		if len(keys) > 0 || complete {
			if err := l.scans.Advance(l.cfg.ForkHash, prefix, cursor, complete); err != nil {
				return err
			}
		}
		if complete {
			logx.Info("REMOTE", "prefix scan complete, cached keys under prefix")
			return nil
		}
	}
}
