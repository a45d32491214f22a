package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/logger"
)

// Handler serves client over JSON-RPC 2.0 at POST /.
func Handler(client ledger.Client) http.Handler {
	s := &server{client: client}
	r := mux.NewRouter()
	r.HandleFunc("/", s.serve).Methods(http.MethodPost)
	return r
}

type server struct {
	client ledger.Client
}

func (s *server) serve(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCErrorObj{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	result, rpcErr := s.dispatch(r, req)
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &jsonRPCErrorObj{Code: codeInternal, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	writeResponse(w, resp)
}

func (s *server) dispatch(r *http.Request, req jsonRPCRequest) (any, *jsonRPCErrorObj) {
	ctx := r.Context()
	switch req.Method {
	case methodAccount:
		var p addressParams
		if err := decodeParam(req.Params, &p); err != nil {
			return nil, err
		}
		acct, err := s.client.Account(ctx, p.Address)
		if err != nil {
			return nil, encodeError(err)
		}
		return acct, nil
	case methodSubmit:
		var tx ledger.SignedTransaction
		if err := decodeParam(req.Params, &tx); err != nil {
			return nil, err
		}
		res, err := s.client.Submit(ctx, tx)
		if err != nil {
			logger.Debug("ledger submit refused", "hash", tx.Hash, "error", err)
			return nil, encodeError(err)
		}
		return res, nil
	case methodTransaction:
		var p hashParams
		if err := decodeParam(req.Params, &p); err != nil {
			return nil, err
		}
		res, err := s.client.Transaction(ctx, p.Hash)
		if err != nil {
			return nil, encodeError(err)
		}
		return res, nil
	default:
		return nil, &jsonRPCErrorObj{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func decodeParam(raw json.RawMessage, out any) *jsonRPCErrorObj {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != 1 {
		return &jsonRPCErrorObj{Code: codeInvalidParams, Message: "expected exactly one parameter"}
	}
	if err := json.Unmarshal(params[0], out); err != nil {
		return &jsonRPCErrorObj{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
