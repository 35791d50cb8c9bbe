package a2a

import "context"

// Client talks to a remote agent over the wire protocol.
type Client interface {
	// SendMessage submits a message via message/send and returns the task
	// the agent reports. With Blocking set the agent holds the call until
	// the task is terminal; otherwise it may return a submitted snapshot.
	SendMessage(ctx context.Context, endpoint string, req SendMessageRequest) (*Task, error)

	// StreamMessage submits a message via message/stream and returns the
	// agent's event stream. The channel closes when the stream ends or ctx
	// is cancelled.
	StreamMessage(ctx context.Context, endpoint string, req SendMessageRequest) (<-chan StreamEvent, error)

	// GetTask fetches the current task snapshot.
	GetTask(ctx context.Context, endpoint string, req GetTaskRequest) (*Task, error)

	// CancelTask asks the agent to stop a running task.
	CancelTask(ctx context.Context, endpoint string, req CancelTaskRequest) (*Task, error)

	// Discover fetches the agent card from the well-known URI under baseURL.
	Discover(ctx context.Context, baseURL string) (*AgentCard, error)
}

// StreamEvent is one frame of a message/stream response. Exactly one of
// the payload fields is set; Err reports a stream-level failure.
type StreamEvent struct {
	Task           *Task                    `json:"task,omitempty"`
	Message        *Message                 `json:"message,omitempty"`
	StatusUpdate   *TaskStatusUpdateEvent   `json:"statusUpdate,omitempty"`
	ArtifactUpdate *TaskArtifactUpdateEvent `json:"artifactUpdate,omitempty"`

	Err error `json:"-"`
}
