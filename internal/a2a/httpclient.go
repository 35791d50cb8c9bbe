package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// WellKnownCardPath is where agents publish their card.
const WellKnownCardPath = "/.well-known/agent-card.json"

var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over HTTP POST with JSON-RPC envelopes.
type HTTPClient struct {
	http      *http.Client
	requestID atomic.Int64
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the whole-request timeout for non-streaming calls.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// NewHTTPClient builds a client with a 30s default timeout.
func NewHTTPClient(opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) SendMessage(ctx context.Context, endpoint string, req SendMessageRequest) (*Task, error) {
	var task Task
	if err := c.call(ctx, endpoint, MethodSendMessage, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// StreamMessage opens a message/stream call and parses the SSE response.
// Streaming bypasses the client timeout; cancellation comes from ctx.
func (c *HTTPClient) StreamMessage(ctx context.Context, endpoint string, req SendMessageRequest) (<-chan StreamEvent, error) {
	paramsJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal params: %w", err)
	}
	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      c.requestID.Add(1),
		Method:  MethodStreamMessage,
		Params:  paramsJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("a2a: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// A shared Timeout would kill long streams mid-flight, so the stream
	// uses a transport-only copy of the client.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("a2a: %s: %w", MethodStreamMessage, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if rpcErr := decodeRPCError(MethodStreamMessage, respBody); rpcErr != nil {
			return nil, rpcErr
		}
		return nil, fmt.Errorf("a2a: %s: HTTP %d: %s", MethodStreamMessage, resp.StatusCode, string(respBody))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		// Agent answered with a plain JSON-RPC response instead of a stream.
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("a2a: read response: %w", err)
		}
		if rpcErr := decodeRPCError(MethodStreamMessage, respBody); rpcErr != nil {
			return nil, rpcErr
		}
		return nil, fmt.Errorf("a2a: %s: unexpected content type %q", MethodStreamMessage, ct)
	}

	return ReadEvents(ctx, resp.Body), nil
}

func (c *HTTPClient) GetTask(ctx context.Context, endpoint string, req GetTaskRequest) (*Task, error) {
	var task Task
	if err := c.call(ctx, endpoint, MethodGetTask, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *HTTPClient) CancelTask(ctx context.Context, endpoint string, req CancelTaskRequest) (*Task, error) {
	var task Task
	if err := c.call(ctx, endpoint, MethodCancelTask, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Discover fetches the agent card published under baseURL.
func (c *HTTPClient) Discover(ctx context.Context, baseURL string) (*AgentCard, error) {
	url := strings.TrimRight(baseURL, "/") + WellKnownCardPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("a2a: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("a2a: discover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("a2a: discover: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("a2a: decode agent card: %w", err)
	}
	return &card, nil
}

// call performs one JSON-RPC request/response round trip.
func (c *HTTPClient) call(ctx context.Context, endpoint, method string, params, result any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("a2a: marshal params: %w", err)
	}
	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		return fmt.Errorf("a2a: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("a2a: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("a2a: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("a2a: read response: %w", err)
	}

	// Agents report protocol errors in the envelope even on non-200.
	if rpcErr := decodeRPCError(method, respBody); rpcErr != nil {
		return rpcErr
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("a2a: %s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("a2a: decode response: %w", err)
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("a2a: decode result: %w", err)
		}
	}
	return nil
}

// decodeRPCError returns an *RPCError when body is a JSON-RPC envelope
// carrying an error object, nil otherwise.
func decodeRPCError(method string, body []byte) *RPCError {
	var rpcResp Response
	if err := json.Unmarshal(body, &rpcResp); err != nil || rpcResp.Error == nil {
		return nil
	}
	return &RPCError{
		Method:  method,
		Code:    rpcResp.Error.Code,
		Message: rpcResp.Error.Message,
		Data:    rpcResp.Error.Data,
	}
}

// RPCError is an error object returned by a remote agent.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("a2a: %s: rpc error %d: %s (data: %s)", e.Method, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("a2a: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}
