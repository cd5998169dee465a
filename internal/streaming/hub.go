package streaming

import "context"

// Event kinds emitted during action execution.
const (
	EventSkip    = "skip"
	EventRun     = "run"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventWarn    = "warn"
	EventError   = "error"
	EventRecover = "recover"
	EventDone    = "done"
)

// RunEvent mirrors one progress line of a run: the same skip, run,
// stdout, stderr, warn, error, recover, and done events the per-run
// logger callback receives, keyed for subscribers by action and step.
type RunEvent struct {
	ActionID string `json:"action_id"`
	RunID    string `json:"run_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Kind     string `json:"kind"`
	Line     string `json:"line,omitempty"`
}

// EventFilter narrows a subscription. Zero values match everything;
// a non-empty ActionID or Kinds list restricts to those.
type EventFilter struct {
	ActionID string   `json:"action_id,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

// Hub fans run events out to any number of subscribers. Publishing
// never blocks on a slow consumer.
type Hub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
