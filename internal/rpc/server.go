// Package rpc exposes the operator surface of the settlement engine: a
// JSON-RPC endpoint for manual triggers and queries, and a WebSocket stream
// of settlement events.
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hiveroute/hived/internal/core/dispute"
	"github.com/hiveroute/hived/internal/core/settlement"
	"github.com/hiveroute/hived/internal/payment"
	"github.com/hiveroute/hived/internal/storage"
)

// Services are the components the RPC methods operate on.
type Services struct {
	Orchestrator *settlement.Orchestrator
	Arbitrator   *dispute.Arbitrator
	Credit       CreditView
	Offers       *payment.OfferRegistry
	Store        *storage.Store
	Hub          *EventHub
	LocalID      string
}

// Server handles HTTP JSON-RPC requests.
type Server struct {
	registry *MethodRegistry
	services *Services
	timeout  time.Duration
}

// NewServer creates an RPC server and registers all settlement methods.
func NewServer(services *Services, timeout time.Duration) *Server {
	s := &Server{
		registry: NewMethodRegistry(),
		services: services,
		timeout:  timeout,
	}
	s.registerMethods()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeResponse(w, nil, NewError("internal", "failed to read request body"))
		return
	}
	defer r.Body.Close()

	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		s.writeResponse(w, nil, NewError("jsonInvalid", "invalid JSON: %v", err))
		return
	}
	if request.Method == "" {
		s.writeResponse(w, nil, NewError("missingCommand", "missing method field"))
		return
	}

	// Params travel as an array with one object.
	var params json.RawMessage
	if len(request.Params) > 0 {
		params = request.Params[0]
	}

	handler, ok := s.registry.Get(request.Method)
	if !ok {
		s.writeResponse(w, nil, errMethodNotFound(request.Method))
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, rpcErr := handler(ctx, params)
	s.writeResponse(w, result, rpcErr)
}

// writeResponse writes the response envelope: result.status is "success" or
// "error", with error detail inside the result object.
func (s *Server) writeResponse(w http.ResponseWriter, result interface{}, rpcErr *Error) {
	response := make(map[string]interface{})

	if rpcErr != nil {
		response["result"] = map[string]interface{}{
			"status":        "error",
			"error":         rpcErr.Code,
			"error_message": rpcErr.Message,
		}
	} else {
		if resultMap, ok := result.(map[string]interface{}); ok {
			resultMap["status"] = "success"
			response["result"] = resultMap
		} else {
			response["result"] = map[string]interface{}{
				"status": "success",
				"data":   result,
			}
		}
	}

	data, err := json.Marshal(response)
	if err != nil {
		log.Printf("rpc: failed to marshal response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
