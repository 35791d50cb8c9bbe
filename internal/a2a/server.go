package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Handler implements the agent-side operations behind a Server.
type Handler interface {
	HandleSendMessage(ctx context.Context, req SendMessageRequest) (*Task, error)
	HandleStreamMessage(ctx context.Context, req SendMessageRequest) (<-chan StreamEvent, error)
	HandleGetTask(ctx context.Context, req GetTaskRequest) (*Task, error)
	HandleCancelTask(ctx context.Context, req CancelTaskRequest) (*Task, error)
}

// ServerError carries a JSON-RPC error code chosen by a Handler. Handlers
// return it to control the code on the wire; any other error becomes
// ErrCodeInternal.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("a2a: rpc error %d: %s", e.Code, e.Message)
}

// Server exposes a Handler over HTTP: the agent card at the well-known
// path and a single JSON-RPC endpoint at the root.
type Server struct {
	card    AgentCard
	handler Handler
}

// NewServer builds a Server publishing card and dispatching to h.
func NewServer(card AgentCard, h Handler) *Server {
	return &Server{card: card, handler: h}
}

// Card returns the card the server publishes.
func (s *Server) Card() AgentCard {
	return s.card
}

// HTTPHandler returns the route table. The caller owns the http.Server
// lifecycle and may mount additional routes alongside.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WellKnownCardPath, s.handleAgentCard)
	mux.HandleFunc("POST /{$}", s.handleJSONRPC)
	return mux
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.card); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, ErrCodeParse, "parse error: "+err.Error())
		return
	}

	ctx := r.Context()
	switch req.Method {
	case MethodSendMessage:
		var params SendMessageRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
			return
		}
		task, err := s.handler.HandleSendMessage(ctx, params)
		if err != nil {
			writeHandlerError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, task)

	case MethodStreamMessage:
		var params SendMessageRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
			return
		}
		s.streamResponse(ctx, w, &req, params)

	case MethodGetTask:
		var params GetTaskRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
			return
		}
		task, err := s.handler.HandleGetTask(ctx, params)
		if err != nil {
			writeHandlerError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, task)

	case MethodCancelTask:
		var params CancelTaskRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeError(w, req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error())
			return
		}
		task, err := s.handler.HandleCancelTask(ctx, params)
		if err != nil {
			writeHandlerError(w, req.ID, err)
			return
		}
		writeResult(w, req.ID, task)

	default:
		writeError(w, req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// streamResponse drives a message/stream call. Failures before the first
// frame go back as a JSON-RPC error; once streaming has begun, the only
// signal left is closing the stream.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, req *Request, params SendMessageRequest) {
	events, err := s.handler.HandleStreamMessage(ctx, params)
	if err != nil {
		writeHandlerError(w, req.ID, err)
		return
	}

	sw := NewSSEWriter(w)
	sw.Init()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sw.WriteEvent(ev); err != nil {
				return
			}
		}
	}
}

func writeResult(w http.ResponseWriter, id, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		writeError(w, id, ErrCodeInternal, "marshal result: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	})
}

func writeHandlerError(w http.ResponseWriter, id any, err error) {
	var se *ServerError
	if errors.As(err, &se) {
		writeError(w, id, se.Code, se.Message)
		return
	}
	writeError(w, id, ErrCodeInternal, err.Error())
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &ResponseError{
			Code:    code,
			Message: message,
		},
	})
}
