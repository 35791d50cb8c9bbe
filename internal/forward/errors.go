package forward

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abickford/relay_hook/internal/a2a"
)

// TransportError is a network-level failure reaching the target: refused
// connection, DNS failure, broken pipe, submit deadline. It is never a
// statement about the task itself.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("forward: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolRejection means the target answered and explicitly refused the
// task. Distinct from TransportError; the target's own detail rides along.
type ProtocolRejection struct {
	Endpoint string
	Code     int
	Message  string
	Detail   json.RawMessage
}

func (e *ProtocolRejection) Error() string {
	return fmt.Sprintf("forward: %s rejected task (code %d): %s", e.Endpoint, e.Code, e.Message)
}

// TimeoutError is a blocking-mode event wait that ran out of budget.
type TimeoutError struct {
	Endpoint string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("forward: %s: no event within %s", e.Endpoint, e.After)
}

// classify wraps err for the given endpoint and op. JSON-RPC errors from
// the target become ProtocolRejection; everything else is transport.
func classify(endpoint, op string, err error) error {
	var rpcErr *a2a.RPCError
	if errors.As(err, &rpcErr) {
		return &ProtocolRejection{
			Endpoint: endpoint,
			Code:     rpcErr.Code,
			Message:  rpcErr.Message,
			Detail:   rpcErr.Data,
		}
	}
	return &TransportError{Endpoint: endpoint, Op: op, Err: err}
}

// Reason returns the failure classification label for err, used in
// failure payloads and metrics.
func Reason(err error) string {
	var (
		te *TransportError
		pr *ProtocolRejection
		to *TimeoutError
	)
	switch {
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &pr):
		return "rejection"
	case errors.As(err, &te):
		return "transport"
	default:
		return "internal"
	}
}
