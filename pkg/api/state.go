package api

import "fmt"

// RunState is the lifecycle state of one completion run.
type RunState string

const (
	RunStateStarted          RunState = "started"
	RunStateAwaitingModel    RunState = "awaiting_model"
	RunStateToolCallsPending RunState = "tool_calls_pending"
	RunStateFinished         RunState = "finished"
	RunStateFailed           RunState = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished || s == RunStateFailed
}

var runTransitions = map[RunState][]RunState{
	"":                    {RunStateStarted},
	RunStateStarted:       {RunStateAwaitingModel, RunStateFailed},
	RunStateAwaitingModel: {RunStateToolCallsPending, RunStateFinished, RunStateFailed},
	RunStateToolCallsPending: {
		RunStateAwaitingModel, RunStateFinished, RunStateFailed,
	},
}

// ValidateRunTransition checks whether a run state transition is valid.
// An empty "from" state represents a run that has not started yet.
// Terminal states (finished, failed) do not allow outgoing transitions.
func ValidateRunTransition(from, to RunState) error {
	for _, s := range runTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition from %q to %q", from, to)
}

// RunRecord is the append-only history entry written when a run ends.
type RunRecord struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	CreatedAt    int64         `json:"created_at"`
	CompletedAt  int64         `json:"completed_at"`
	State        RunState      `json:"state"`
	FinishReason string        `json:"finish_reason"`
	Turns        int           `json:"turns"`
	Stream       bool          `json:"stream"`
	Messages     []ChatMessage `json:"messages"`
	Output       ChatMessage   `json:"output"`
	Usage        Usage         `json:"usage"`
	Error        *APIError     `json:"error,omitempty"`
}
