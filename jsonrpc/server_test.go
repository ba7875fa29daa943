package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"popfork/errors"
	"popfork/ratelimit"
	"popfork/types"
)

// stubServices is a canned fork backend for façade tests
type stubServices struct {
	storage map[string][]byte
	tip     types.Block
	blocks  map[types.Hash]*types.Block

	produced  []types.StorageDelta
	funded    string
	fundedAmt *uint256.Int
	nextNum   uint64
}

func newStubServices() *stubServices {
	tip := types.Block{
		Hash:       types.Hash{0xAA},
		Number:     500,
		ParentHash: types.Hash{0xA9},
		Header:     []byte(`{"number":"0x1f4"}`),
	}
	return &stubServices{
		storage: map[string][]byte{},
		tip:     tip,
		blocks:  map[types.Hash]*types.Block{tip.Hash: &tip},
		nextNum: 501,
	}
}

func (s *stubServices) GetStorage(ctx context.Context, key []byte, at *types.Hash) ([]byte, error) {
	return s.storage[string(key)], nil
}

func (s *stubServices) GetStorageBatch(ctx context.Context, keys [][]byte, at *types.Hash) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for _, key := range keys {
		result[string(key)] = s.storage[string(key)]
	}
	return result, nil
}

func (s *stubServices) NextKey(ctx context.Context, key []byte, at *types.Hash) ([]byte, error) {
	return nil, nil
}

func (s *stubServices) KeysByPrefix(ctx context.Context, prefix []byte, at *types.Hash) ([][]byte, error) {
	var keys [][]byte
	for key := range s.storage {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, []byte(key))
		}
	}
	return keys, nil
}

func (s *stubServices) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	for _, block := range s.blocks {
		if block.Number == number {
			return block, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound, "stub", "no block %d", number)
}

func (s *stubServices) BlockByHash(hash types.Hash) (*types.Block, error) {
	return s.blocks[hash], nil
}

func (s *stubServices) Tip() (*types.Block, error) {
	tip := s.tip
	return &tip, nil
}

func (s *stubServices) ForkPoint() types.Block { return s.tip }

func (s *stubServices) Status() string { return "ready" }

func (s *stubServices) Events() *types.EventBus { return types.NewEventBus() }

func (s *stubServices) ProduceBlock(ctx context.Context, extrinsics [][]byte) (*types.Block, error) {
	block := types.Block{Hash: types.Hash{byte(s.nextNum)}, Number: s.nextNum, ParentHash: s.tip.Hash}
	s.nextNum++
	s.tip = block
	s.blocks[block.Hash] = &block
	return &block, nil
}

func (s *stubServices) SetStorage(ctx context.Context, deltas []types.StorageDelta) (*types.Block, error) {
	s.produced = append(s.produced, deltas...)
	for _, delta := range deltas {
		if delta.Deleted {
			delete(s.storage, string(delta.Key))
		} else {
			s.storage[string(delta.Key)] = delta.Value
		}
	}
	return s.ProduceBlock(ctx, nil)
}

func (s *stubServices) Fund(ctx context.Context, account string, amount *uint256.Int) (*types.Block, error) {
	s.funded = account
	s.fundedAmt = amount
	return s.ProduceBlock(ctx, nil)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func callRPC(t *testing.T, url, method string, params interface{}) rpcResponse {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func newTestServer(t *testing.T) (*httptest.Server, *stubServices) {
	t.Helper()
	stub := newStubServices()
	server := NewServer("", "testchain", stub, stub, stub)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, stub
}

func TestRPCGetStorage(t *testing.T) {
	ts, stub := newTestServer(t)
	stub.storage["\x01\x02"] = []byte{0xCA, 0xFE}

	resp := callRPC(t, ts.URL, "state_getStorage", []interface{}{"0x0102"})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"0xcafe"`, string(resp.Result))

	// an absent key answers null
	resp = callRPC(t, ts.URL, "state_getStorage", []interface{}{"0xdead"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))
}

func TestRPCQueryStorageAt(t *testing.T) {
	ts, stub := newTestServer(t)
	stub.storage["\x01"] = []byte{0xAA}

	resp := callRPC(t, ts.URL, "state_queryStorageAt", []interface{}{[]string{"0x01", "0x02"}})
	require.Nil(t, resp.Error)

	var sets []storageChangeSet
	require.NoError(t, json.Unmarshal(resp.Result, &sets))
	require.Len(t, sets, 1)
	assert.Equal(t, stub.tip.Hash.Hex(), sets[0].Block)
	require.Len(t, sets[0].Changes, 2)
	assert.Equal(t, "0x01", *sets[0].Changes[0][0])
	assert.Equal(t, "0xaa", *sets[0].Changes[0][1])
	assert.Nil(t, sets[0].Changes[1][1])
}

func TestRPCChainQueries(t *testing.T) {
	ts, stub := newTestServer(t)

	resp := callRPC(t, ts.URL, "chain_getFinalizedHead", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"`+stub.tip.Hash.Hex()+`"`, string(resp.Result))

	resp = callRPC(t, ts.URL, "chain_getBlockHash", []interface{}{500})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"`+stub.tip.Hash.Hex()+`"`, string(resp.Result))

	// unknown height answers null rather than an error
	resp = callRPC(t, ts.URL, "chain_getBlockHash", []interface{}{999})
	require.Nil(t, resp.Error)
	assert.Equal(t, "null", string(resp.Result))

	resp = callRPC(t, ts.URL, "chain_getHeader", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"number":"0x1f4"}`, string(resp.Result))

	resp = callRPC(t, ts.URL, "system_chain", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"testchain"`, string(resp.Result))

	resp = callRPC(t, ts.URL, "system_health", nil)
	require.Nil(t, resp.Error)
	var health healthResponse
	require.NoError(t, json.Unmarshal(resp.Result, &health))
	assert.Equal(t, "ready", health.State)
}

func TestRPCDevNewBlock(t *testing.T) {
	ts, stub := newTestServer(t)

	resp := callRPC(t, ts.URL, "dev_newBlock", []interface{}{3})
	require.Nil(t, resp.Error)
	assert.Equal(t, uint64(504), stub.nextNum, "three blocks produced")
}

func TestRPCDevSetStorage(t *testing.T) {
	ts, stub := newTestServer(t)

	resp := callRPC(t, ts.URL, "dev_setStorage", []interface{}{
		[]setStorageEntry{{Key: "0x01", Value: strPtr("0xff")}},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, []byte{0xFF}, stub.storage["\x01"])

	// empty entry list is rejected
	resp = callRPC(t, ts.URL, "dev_setStorage", []interface{}{[]setStorageEntry{}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvariantViolation, resp.Error.Code)
}

func TestRPCDevFund(t *testing.T) {
	ts, stub := newTestServer(t)

	resp := callRPC(t, ts.URL, "dev_fund", []interface{}{"alice", "2500"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "alice", stub.funded)
	assert.Equal(t, uint256.NewInt(2500), stub.fundedAmt)

	// amount is optional
	resp = callRPC(t, ts.URL, "dev_fund", []interface{}{"bob"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "bob", stub.funded)
	assert.Nil(t, stub.fundedAmt)
}

func TestRPCUnknownMethod(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := callRPC(t, ts.URL, "state_doesNotExist", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func strPtr(s string) *string { return &s }

func TestRPCRateLimited(t *testing.T) {
	stub := newStubServices()
	server := NewServer("", "testchain", stub, stub, stub)
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		MaxRequests:     2,
		Window:          time.Minute,
		CleanupInterval: time.Hour,
	})
	defer limiter.Stop()
	server.SetRateLimiter(limiter)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	post := func() int {
		body := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"system_chain"}`)
		resp, err := http.Post(ts.URL, "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
}
