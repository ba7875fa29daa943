package cmd

import (
	"bytes"
	"fmt"
	"net/http"

	"popfork/jsonx"
)

// rpcURL is where the maintenance subcommands find a running instance
var rpcURL string

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result interface{} `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// callRPC sends one JSON-RPC request to a running fork instance
func callRPC(method string, params interface{}) (interface{}, error) {
	body, err := jsonx.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(rpcURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", rpcURL, err)
	}
	defer resp.Body.Close()

	var out rpcResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bad response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}
