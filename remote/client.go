package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"popfork/errors"
	"popfork/jsonx"
	"popfork/logx"
	"popfork/monitoring"
	"popfork/types"
	"popfork/utils"
)

// ChainRPC is the remote chain surface the engine depends on. Client is
// the production implementation; tests substitute fakes.
type ChainRPC interface {
	GetStorage(ctx context.Context, key []byte, at types.Hash) (types.StorageValue, error)
	GetStorageBatch(ctx context.Context, keys [][]byte, at types.Hash) (map[string]types.StorageValue, error)
	GetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, at types.Hash) ([][]byte, error)
	GetHeader(ctx context.Context, hash types.Hash) (*types.Block, error)
	GetBlockHash(ctx context.Context, number uint64) (types.Hash, error)
	GetFinalizedHead(ctx context.Context) (types.Hash, error)
	SystemChain(ctx context.Context) (string, error)
	Close() error
}

// ClientConfig tunes the websocket RPC client
type ClientConfig struct {
	Endpoint    string
	DialTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	MaxInFlight int64
}

func (c *ClientConfig) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 16
	}
}

type failFastKey struct{}

// WithFailFast marks ctx so the client makes a single attempt with no
// backoff. The coordinator uses it while degraded, where a slow retry
// ladder on every cache miss would stall callers for seconds.
func WithFailFast(ctx context.Context) context.Context {
	return context.WithValue(ctx, failFastKey{}, true)
}

// IsFailFast reports whether WithFailFast marked ctx
func IsFailFast(ctx context.Context) bool {
	marked, _ := ctx.Value(failFastKey{}).(bool)
	return marked
}

// Client is a JSON-RPC client for a chain node's websocket endpoint.
// Transport failures are retried with linear backoff and a single shared
// reconnect; protocol-level failures are surfaced immediately.
type Client struct {
	cfg ClientConfig
	sem *semaphore.Weighted

	mu  sync.Mutex
	rpc *jrpc2.Client
}

// NewClient creates a client for the given endpoint. The connection is
// established lazily on the first call.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxInFlight)}
}

// Close tears down the connection. In-flight calls fail with transport
// errors; the client does not reconnect after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	return nil
}

func (c *Client) connection(ctx context.Context) (*jrpc2.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.KindTransport, "remote.dial", err,
			"dial %s failed", c.cfg.Endpoint)
	}
	c.rpc = jrpc2.NewClient(newWSChannel(conn), nil)
	logx.Info("REMOTE", "connected to", c.cfg.Endpoint)
	return c.rpc, nil
}

func (c *Client) dropConnection(rpc *jrpc2.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == rpc && c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

// call performs one JSON-RPC call with retry on transport failure.
// Responses the server itself produced are never retried: a node that
// answers is reachable, and an unknown method means the node does not
// speak the expected protocol at all.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(errors.KindTransport, "remote.call", err)
	}
	defer c.sem.Release(1)

	retries := c.retryBudget(ctx)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			monitoring.IncreaseRemoteRetries()
			delay := time.Duration(attempt) * c.cfg.RetryDelay
			logx.Warn("REMOTE", "retrying", method, "attempt", attempt, "after", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Wrap(errors.KindTransport, "remote."+method, ctx.Err())
			}
		}

		rpc, err := c.connection(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = rpc.CallResult(ctx, method, params, result)
		if err == nil {
			return nil
		}

		var rpcErr *jrpc2.Error
		if stderrors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case jrpc2.MethodNotFound, jrpc2.InvalidParams, jrpc2.InvalidRequest, jrpc2.ParseError:
				return errors.Wrapf(errors.KindProtocolIncompatible, "remote."+method, err,
					"node rejected %s", method)
			default:
				return errors.Wrap(errors.KindTransport, "remote."+method, err)
			}
		}
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindTransport, "remote."+method, ctx.Err())
		}

		c.dropConnection(rpc)
		lastErr = errors.Wrap(errors.KindTransport, "remote."+method, err)
	}
	return lastErr
}

// retryBudget is the number of retries after the first attempt
func (c *Client) retryBudget(ctx context.Context) int {
	if IsFailFast(ctx) {
		return 0
	}
	return c.cfg.MaxRetries
}

// GetStorage fetches one storage value at the given block. A node-side
// null becomes an empty marker so the miss can be cached.
func (c *Client) GetStorage(ctx context.Context, key []byte, at types.Hash) (types.StorageValue, error) {
	var raw *string
	err := c.call(ctx, "state_getStorage", []interface{}{utils.HexEncode(key), at.Hex()}, &raw)
	if err != nil {
		return types.StorageValue{}, err
	}
	return decodeStorageValue(raw)
}

// storageChangeSet mirrors the node's state_queryStorageAt result shape
type storageChangeSet struct {
	Block   string       `json:"block"`
	Changes [][2]*string `json:"changes"`
}

// GetStorageBatch fetches many storage values at one block in a single
// round trip.
func (c *Client) GetStorageBatch(ctx context.Context, keys [][]byte, at types.Hash) (map[string]types.StorageValue, error) {
	if len(keys) == 0 {
		return map[string]types.StorageValue{}, nil
	}
	hexKeys := make([]string, len(keys))
	for i, key := range keys {
		hexKeys[i] = utils.HexEncode(key)
	}
	var sets []storageChangeSet
	err := c.call(ctx, "state_queryStorageAt", []interface{}{hexKeys, at.Hex()}, &sets)
	if err != nil {
		return nil, err
	}

	result := make(map[string]types.StorageValue, len(keys))
	for _, set := range sets {
		for _, change := range set.Changes {
			if change[0] == nil {
				continue
			}
			key, err := utils.HexDecode(*change[0])
			if err != nil {
				return nil, errors.Wrap(errors.KindProtocolIncompatible, "remote.state_queryStorageAt", err)
			}
			value, err := decodeStorageValue(change[1])
			if err != nil {
				return nil, err
			}
			result[string(key)] = value
		}
	}
	// keys the node omitted are misses
	for _, key := range keys {
		if _, ok := result[string(key)]; !ok {
			result[string(key)] = types.StorageValue{IsEmpty: true}
		}
	}
	return result, nil
}

// GetKeysPaged fetches up to count storage keys under prefix, starting
// strictly after startKey when given, at the given block.
func (c *Client) GetKeysPaged(ctx context.Context, prefix []byte, count int, startKey []byte, at types.Hash) ([][]byte, error) {
	params := []interface{}{utils.HexEncode(prefix), count}
	if startKey != nil {
		params = append(params, utils.HexEncode(startKey))
	} else {
		params = append(params, nil)
	}
	params = append(params, at.Hex())

	var hexKeys []string
	if err := c.call(ctx, "state_getKeysPaged", params, &hexKeys); err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(hexKeys))
	for _, hexKey := range hexKeys {
		key, err := utils.HexDecode(hexKey)
		if err != nil {
			return nil, errors.Wrap(errors.KindProtocolIncompatible, "remote.state_getKeysPaged", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// rawHeader mirrors the node's chain_getHeader result shape
type rawHeader struct {
	ParentHash string `json:"parentHash"`
	Number     string `json:"number"`
}

// GetHeader fetches the header for the given block hash. The raw header
// JSON is kept on the block so callers can serve it back verbatim.
func (c *Client) GetHeader(ctx context.Context, hash types.Hash) (*types.Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "chain_getHeader", []interface{}{hash.Hex()}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Newf(errors.KindNotFound, "remote.chain_getHeader",
			"no header for block %s", hash.Short())
	}
	var header rawHeader
	if err := jsonx.Unmarshal(raw, &header); err != nil {
		return nil, errors.Wrap(errors.KindProtocolIncompatible, "remote.chain_getHeader", err)
	}
	number, err := parseHexNumber(header.Number)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocolIncompatible, "remote.chain_getHeader", err)
	}
	parent, err := types.HashFromHex(header.ParentHash)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocolIncompatible, "remote.chain_getHeader", err)
	}
	return &types.Block{
		Hash:       hash,
		Number:     number,
		ParentHash: parent,
		Header:     append([]byte(nil), raw...),
	}, nil
}

// GetBlockHash resolves a remote block number to its hash
func (c *Client) GetBlockHash(ctx context.Context, number uint64) (types.Hash, error) {
	var hex *string
	if err := c.call(ctx, "chain_getBlockHash", []interface{}{number}, &hex); err != nil {
		return types.ZeroHash, err
	}
	if hex == nil {
		return types.ZeroHash, errors.Newf(errors.KindNotFound, "remote.chain_getBlockHash",
			"no block at height %d", number)
	}
	hash, err := types.HashFromHex(*hex)
	if err != nil {
		return types.ZeroHash, errors.Wrap(errors.KindProtocolIncompatible, "remote.chain_getBlockHash", err)
	}
	return hash, nil
}

// GetFinalizedHead returns the hash of the latest finalized remote block
func (c *Client) GetFinalizedHead(ctx context.Context) (types.Hash, error) {
	var hex string
	if err := c.call(ctx, "chain_getFinalizedHead", nil, &hex); err != nil {
		return types.ZeroHash, err
	}
	hash, err := types.HashFromHex(hex)
	if err != nil {
		return types.ZeroHash, errors.Wrap(errors.KindProtocolIncompatible, "remote.chain_getFinalizedHead", err)
	}
	return hash, nil
}

// SystemChain returns the node's chain name, used as a cheap protocol
// compatibility probe before forking.
func (c *Client) SystemChain(ctx context.Context) (string, error) {
	var name string
	if err := c.call(ctx, "system_chain", nil, &name); err != nil {
		return "", err
	}
	return name, nil
}

func decodeStorageValue(raw *string) (types.StorageValue, error) {
	if raw == nil {
		return types.StorageValue{IsEmpty: true}, nil
	}
	value, err := utils.HexDecode(*raw)
	if err != nil {
		return types.StorageValue{}, errors.Wrap(errors.KindProtocolIncompatible, "remote.decode", err)
	}
	return types.StorageValue{Value: value}, nil
}

func parseHexNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
