package jsonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/holiman/uint256"

	"popfork/errors"
	"popfork/exception"
	"popfork/interfaces"
	"popfork/jsonx"
	"popfork/logx"
	"popfork/monitoring"
	"popfork/ratelimit"
	"popfork/types"
	"popfork/utils"
)

// --- Error type used by handlers ---

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes per failure kind
const (
	codeInternal             = -32000
	codeTransport            = -32001
	codeProtocolIncompatible = -32002
	codeInvariantViolation   = -32003
	codeNotFound             = -32004
	codeClosed               = -32005
)

func toJRPC2Error(e *rpcError) error {
	if e == nil {
		return nil
	}
	return jrpc2.Errorf(jrpc2.Code(e.Code), "%s", e.Message)
}

func errorOf(err error) *rpcError {
	code := codeInternal
	switch errors.KindOf(err) {
	case errors.KindTransport:
		code = codeTransport
	case errors.KindProtocolIncompatible:
		code = codeProtocolIncompatible
	case errors.KindInvariantViolation:
		code = codeInvariantViolation
	case errors.KindNotFound:
		code = codeNotFound
	case errors.KindClosed:
		code = codeClosed
	}
	return &rpcError{Code: code, Message: err.Error()}
}

// --- Results ---

type storageChangeSet struct {
	Block   string      `json:"block"`
	Changes [][]*string `json:"changes"`
}

type healthResponse struct {
	Peers     int    `json:"peers"`
	IsSyncing bool   `json:"isSyncing"`
	State     string `json:"state"`
}

type blockResponse struct {
	Hash       string          `json:"hash"`
	Number     uint64          `json:"number"`
	ParentHash string          `json:"parentHash"`
	Header     json.RawMessage `json:"header,omitempty"`
}

const serverVersion = "0.1.0"

// --- Server ---

type Server struct {
	addr       string
	chainName  string
	stateSvc   interfaces.StateService
	chainSvc   interfaces.ChainService
	devSvc     interfaces.DevService
	corsConfig CORSConfig
	limiter    *ratelimit.Limiter

	httpSrv *http.Server
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func NewServer(addr, chainName string, stateSvc interfaces.StateService, chainSvc interfaces.ChainService, devSvc interfaces.DevService) *Server {
	return &Server{
		addr:      addr,
		chainName: chainName,
		stateSvc:  stateSvc,
		chainSvc:  chainSvc,
		devSvc:    devSvc,
		corsConfig: CORSConfig{
			AllowedOrigins: []string{},
			AllowedMethods: []string{},
			AllowedHeaders: []string{},
			MaxAge:         0,
		},
	}
}

// SetCORSConfig allows configuring CORS settings
func (s *Server) SetCORSConfig(config CORSConfig) {
	s.corsConfig = config
}

// SetRateLimiter enables per-client request limiting. Pass nil to
// disable.
func (s *Server) SetRateLimiter(limiter *ratelimit.Limiter) {
	s.limiter = limiter
}

// Handler returns the HTTP handler serving the method map, CORS applied
func (s *Server) Handler() http.Handler {
	jh := jhttp.NewBridge(s.buildMethodMap(), &jhttp.BridgeOptions{Server: &jrpc2.ServerOptions{}})

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		jh.ServeHTTP(w, r)
	})
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return handler
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	monitoring.RegisterMetrics(mux)
	mux.Handle("/", s.Handler())
	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	exception.SafeGo("jsonrpc-serve", func() {
		logx.Info("JSONRPC", "listening on", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Error("JSONRPC", "serve:", err.Error())
		}
	})
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Build jrpc2 method map
func (s *Server) buildMethodMap() handler.Map {
	return handler.Map{
		"state_getStorage": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetStorage(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"state_queryStorageAt": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcQueryStorageAt(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"state_getKeysPaged": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetKeysPaged(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"state_getKeys": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetKeys(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"chain_getHeader": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetHeader(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"chain_getBlock": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetBlock(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"chain_getBlockHash": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetBlockHash(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"chain_getFinalizedHead": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcGetFinalizedHead(ctx)
			return res, toJRPC2Error(err)
		}),
		"dev_newBlock": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcNewBlock(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"dev_setStorage": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcSetStorage(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"dev_fund": handler.New(func(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
			res, err := s.rpcFund(ctx, req)
			return res, toJRPC2Error(err)
		}),
		"dev_stats": handler.New(func(ctx context.Context) (interface{}, error) {
			return monitoring.Snapshot(), nil
		}),
		"system_chain": handler.New(func(ctx context.Context) (interface{}, error) {
			return s.chainName, nil
		}),
		"system_name": handler.New(func(ctx context.Context) (interface{}, error) {
			return "popfork", nil
		}),
		"system_version": handler.New(func(ctx context.Context) (interface{}, error) {
			return serverVersion, nil
		}),
		"system_health": handler.New(func(ctx context.Context) (interface{}, error) {
			return &healthResponse{Peers: 0, IsSyncing: false, State: s.chainSvc.Status()}, nil
		}),
	}
}

// decodeParams unmarshals positional params into targets. Missing or
// null positions leave the target untouched.
func decodeParams(req *jrpc2.Request, targets ...interface{}) *rpcError {
	if !req.HasParams() {
		return nil
	}
	var raw []json.RawMessage
	if err := req.UnmarshalParams(&raw); err != nil {
		return &rpcError{Code: codeInvariantViolation, Message: "expected positional params: " + err.Error()}
	}
	for i, target := range targets {
		if i >= len(raw) || string(raw[i]) == "null" {
			continue
		}
		if err := jsonx.Unmarshal(raw[i], target); err != nil {
			return &rpcError{Code: codeInvariantViolation, Message: "bad param: " + err.Error()}
		}
	}
	return nil
}

// parseAt turns an optional block hash param into a resolved reference
func parseAt(at *string) (*types.Hash, *rpcError) {
	if at == nil || *at == "" {
		return nil, nil
	}
	hash, err := types.HashFromHex(*at)
	if err != nil {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "bad block hash: " + err.Error()}
	}
	return &hash, nil
}

// --- Implementations ---

func (s *Server) rpcGetStorage(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var keyHex, atHex string
	if rerr := decodeParams(req, &keyHex, &atHex); rerr != nil {
		return nil, rerr
	}
	key, err := utils.HexDecode(keyHex)
	if err != nil {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "bad storage key: " + err.Error()}
	}
	at, rerr := parseAt(&atHex)
	if rerr != nil {
		return nil, rerr
	}

	value, err := s.stateSvc.GetStorage(ctx, key, at)
	if err != nil {
		return nil, errorOf(err)
	}
	if value == nil {
		return nil, nil
	}
	return utils.HexEncode(value), nil
}

func (s *Server) rpcQueryStorageAt(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var keyHexes []string
	var atHex string
	if rerr := decodeParams(req, &keyHexes, &atHex); rerr != nil {
		return nil, rerr
	}
	keys := make([][]byte, 0, len(keyHexes))
	for _, keyHex := range keyHexes {
		key, err := utils.HexDecode(keyHex)
		if err != nil {
			return nil, &rpcError{Code: codeInvariantViolation, Message: "bad storage key: " + err.Error()}
		}
		keys = append(keys, key)
	}
	at, rerr := parseAt(&atHex)
	if rerr != nil {
		return nil, rerr
	}

	values, err := s.stateSvc.GetStorageBatch(ctx, keys, at)
	if err != nil {
		return nil, errorOf(err)
	}

	block, err := s.blockHashFor(at)
	if err != nil {
		return nil, errorOf(err)
	}
	set := storageChangeSet{Block: block}
	for _, key := range keys {
		keyHex := utils.HexEncode(key)
		var valueHex *string
		if value := values[string(key)]; value != nil {
			encoded := utils.HexEncode(value)
			valueHex = &encoded
		}
		set.Changes = append(set.Changes, []*string{&keyHex, valueHex})
	}
	return []storageChangeSet{set}, nil
}

func (s *Server) blockHashFor(at *types.Hash) (string, error) {
	if at != nil {
		return at.Hex(), nil
	}
	tip, err := s.chainSvc.Tip()
	if err != nil {
		return "", err
	}
	return tip.Hash.Hex(), nil
}

func (s *Server) rpcGetKeysPaged(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var prefixHex string
	var count int
	var startHex, atHex string
	if rerr := decodeParams(req, &prefixHex, &count, &startHex, &atHex); rerr != nil {
		return nil, rerr
	}
	prefix, err := utils.HexDecode(prefixHex)
	if err != nil {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "bad prefix: " + err.Error()}
	}
	at, rerr := parseAt(&atHex)
	if rerr != nil {
		return nil, rerr
	}
	var start []byte
	if startHex != "" {
		if start, err = utils.HexDecode(startHex); err != nil {
			return nil, &rpcError{Code: codeInvariantViolation, Message: "bad start key: " + err.Error()}
		}
	}

	keys, err := s.stateSvc.KeysByPrefix(ctx, prefix, at)
	if err != nil {
		return nil, errorOf(err)
	}

	out := make([]string, 0, count)
	for _, key := range keys {
		if start != nil && strings.Compare(string(key), string(start)) <= 0 {
			continue
		}
		out = append(out, utils.HexEncode(key))
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func (s *Server) rpcGetKeys(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var prefixHex, atHex string
	if rerr := decodeParams(req, &prefixHex, &atHex); rerr != nil {
		return nil, rerr
	}
	prefix, err := utils.HexDecode(prefixHex)
	if err != nil {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "bad prefix: " + err.Error()}
	}
	at, rerr := parseAt(&atHex)
	if rerr != nil {
		return nil, rerr
	}

	keys, err := s.stateSvc.KeysByPrefix(ctx, prefix, at)
	if err != nil {
		return nil, errorOf(err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, utils.HexEncode(key))
	}
	return out, nil
}

func (s *Server) rpcGetHeader(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	block, rerr := s.blockParam(ctx, req)
	if rerr != nil {
		return nil, rerr
	}
	if len(block.Header) == 0 {
		return nil, nil
	}
	return json.RawMessage(block.Header), nil
}

func (s *Server) rpcGetBlock(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	block, rerr := s.blockParam(ctx, req)
	if rerr != nil {
		return nil, rerr
	}
	return &blockResponse{
		Hash:       block.Hash.Hex(),
		Number:     block.Number,
		ParentHash: block.ParentHash.Hex(),
		Header:     json.RawMessage(block.Header),
	}, nil
}

// blockParam resolves an optional block-hash param, defaulting to the tip
func (s *Server) blockParam(ctx context.Context, req *jrpc2.Request) (*types.Block, *rpcError) {
	var atHex string
	if rerr := decodeParams(req, &atHex); rerr != nil {
		return nil, rerr
	}
	if atHex == "" {
		tip, err := s.chainSvc.Tip()
		if err != nil {
			return nil, errorOf(err)
		}
		return tip, nil
	}
	hash, err := types.HashFromHex(atHex)
	if err != nil {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "bad block hash: " + err.Error()}
	}
	block, err := s.chainSvc.BlockByHash(hash)
	if err != nil {
		return nil, errorOf(err)
	}
	if block == nil {
		return nil, &rpcError{Code: codeNotFound, Message: "unknown block " + hash.Hex()}
	}
	return block, nil
}

func (s *Server) rpcGetBlockHash(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var number *uint64
	if rerr := decodeParams(req, &number); rerr != nil {
		return nil, rerr
	}
	if number == nil {
		tip, err := s.chainSvc.Tip()
		if err != nil {
			return nil, errorOf(err)
		}
		return tip.Hash.Hex(), nil
	}
	block, err := s.chainSvc.BlockByNumber(ctx, *number)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, nil
		}
		return nil, errorOf(err)
	}
	return block.Hash.Hex(), nil
}

func (s *Server) rpcGetFinalizedHead(ctx context.Context) (interface{}, *rpcError) {
	tip, err := s.chainSvc.Tip()
	if err != nil {
		return nil, errorOf(err)
	}
	return tip.Hash.Hex(), nil
}

func (s *Server) rpcNewBlock(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	count := 1
	if rerr := decodeParams(req, &count); rerr != nil {
		return nil, rerr
	}
	if count < 1 {
		count = 1
	}
	var last *types.Block
	for i := 0; i < count; i++ {
		block, err := s.devSvc.ProduceBlock(ctx, nil)
		if err != nil {
			return nil, errorOf(err)
		}
		last = block
	}
	return last.Hash.Hex(), nil
}

type setStorageEntry struct {
	Key    string  `json:"key"`
	Value  *string `json:"value"`
	Delete bool    `json:"delete,omitempty"`
}

func (s *Server) rpcSetStorage(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var entries []setStorageEntry
	if rerr := decodeParams(req, &entries); rerr != nil {
		return nil, rerr
	}
	if len(entries) == 0 {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "no storage entries given"}
	}

	deltas := make([]types.StorageDelta, 0, len(entries))
	for _, entry := range entries {
		key, err := utils.HexDecode(entry.Key)
		if err != nil {
			return nil, &rpcError{Code: codeInvariantViolation, Message: "bad storage key: " + err.Error()}
		}
		delta := types.StorageDelta{Key: key, Deleted: entry.Delete || entry.Value == nil}
		if !delta.Deleted {
			if delta.Value, err = utils.HexDecode(*entry.Value); err != nil {
				return nil, &rpcError{Code: codeInvariantViolation, Message: "bad storage value: " + err.Error()}
			}
		}
		deltas = append(deltas, delta)
	}

	block, err := s.devSvc.SetStorage(ctx, deltas)
	if err != nil {
		return nil, errorOf(err)
	}
	return block.Hash.Hex(), nil
}

func (s *Server) rpcFund(ctx context.Context, req *jrpc2.Request) (interface{}, *rpcError) {
	var account, amountStr string
	if rerr := decodeParams(req, &account, &amountStr); rerr != nil {
		return nil, rerr
	}
	if account == "" {
		return nil, &rpcError{Code: codeInvariantViolation, Message: "account name required"}
	}

	var amount *uint256.Int
	if amountStr != "" {
		parsed, err := uint256.FromDecimal(amountStr)
		if err != nil {
			return nil, &rpcError{Code: codeInvariantViolation, Message: "bad amount: " + err.Error()}
		}
		amount = parsed
	}

	block, err := s.devSvc.Fund(ctx, account, amount)
	if err != nil {
		return nil, errorOf(err)
	}
	return block.Hash.Hex(), nil
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsConfig.AllowedOrigins) > 0 {
		if s.corsConfig.AllowedOrigins[0] == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.corsConfig.AllowedOrigins {
				if origin == allowedOrigin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
	}
	if len(s.corsConfig.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.corsConfig.AllowedMethods, ", "))
	}
	if len(s.corsConfig.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.corsConfig.AllowedHeaders, ", "))
	}
	if s.corsConfig.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.corsConfig.MaxAge))
	}
}
