// Package rpc carries the ledger Client over JSON-RPC 2.0 on HTTP.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"rental-escrow-backend/internal/ledger"
)

const (
	methodAccount     = "ledger_account"
	methodSubmit      = "ledger_submit"
	methodTransaction = "ledger_transaction"

	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeInternal        = -32603
	codeAccountNotFound = -32001
	codeTxNotFound      = -32002
	codeRejected        = -32003
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *jsonRPCErrorObj `json:"error,omitempty"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type addressParams struct {
	Address string `json:"address"`
}

type hashParams struct {
	Hash string `json:"hash"`
}

// Client implements ledger.Client against a JSON-RPC ledger node.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	nextID  atomic.Int64
}

// NewClient creates a client whose every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Account(ctx context.Context, address string) (*ledger.Account, error) {
	var out ledger.Account
	if err := c.call(ctx, methodAccount, addressParams{Address: address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Submit(ctx context.Context, tx ledger.SignedTransaction) (*ledger.TxResult, error) {
	var out ledger.TxResult
	if err := c.call(ctx, methodSubmit, tx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Transaction(ctx context.Context, hash string) (*ledger.TxResult, error) {
	var out ledger.TxResult
	if err := c.call(ctx, methodTransaction, hashParams{Hash: hash}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one round trip. Any failure that leaves the outcome unknown
// is reported as ledger.ErrTimeout.
func (c *Client) call(ctx context.Context, method string, param any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params, err := json.Marshal([]any{param})
	if err != nil {
		return err
	}
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ledger.ErrTimeout, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s: status=%d body=%s", ledger.ErrTimeout, method, resp.StatusCode, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ledger.ErrTimeout, method, err)
	}
	if rpcResp.Error != nil {
		return decodeError(rpcResp.Error)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func decodeError(e *jsonRPCErrorObj) error {
	switch e.Code {
	case codeAccountNotFound:
		return ledger.ErrAccountNotFound
	case codeTxNotFound:
		return ledger.ErrTxNotFound
	case codeRejected:
		var rej ledger.RejectedError
		if err := json.Unmarshal(e.Data, &rej); err != nil || rej.Code == "" {
			return &ledger.RejectedError{Code: ledger.RejectMalformed, Detail: e.Message}
		}
		return &rej
	case codeInternal:
		return fmt.Errorf("%w: ledger rpc error %d: %s", ledger.ErrTimeout, e.Code, e.Message)
	default:
		return fmt.Errorf("ledger rpc error %d: %s", e.Code, e.Message)
	}
}

func encodeError(err error) *jsonRPCErrorObj {
	if rej, ok := ledger.AsRejected(err); ok {
		data, _ := json.Marshal(rej)
		return &jsonRPCErrorObj{Code: codeRejected, Message: rej.Error(), Data: data}
	}
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return &jsonRPCErrorObj{Code: codeAccountNotFound, Message: err.Error()}
	case errors.Is(err, ledger.ErrTxNotFound):
		return &jsonRPCErrorObj{Code: codeTxNotFound, Message: err.Error()}
	default:
		return &jsonRPCErrorObj{Code: codeInternal, Message: err.Error()}
	}
}
