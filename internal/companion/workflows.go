package companion

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kindredhq/kindred/internal/domain"
)

// ErrNoActiveWorkflow is returned when confirming or dismissing a workflow
// type that has no open suggestion.
var ErrNoActiveWorkflow = errors.New("no active workflow")

// WorkflowSet holds the follow-up workflows of one conversation.
//
// Workflows are independent observers of completed results: each owns its own
// confirm/dismiss state, dismissing one never touches the others, and at most
// one instance per type is active. A second completed result while a workflow
// is still open replaces its suggestion data (last write wins) instead of
// stacking a second prompt.
type WorkflowSet struct {
	mu     sync.Mutex
	active map[domain.WorkflowType]*domain.WorkflowState
}

// NewWorkflowSet creates an empty workflow set.
func NewWorkflowSet() *WorkflowSet {
	return &WorkflowSet{
		active: make(map[domain.WorkflowType]*domain.WorkflowState),
	}
}

// Activate opens (or replaces) the workflow of state.Type.
func (s *WorkflowSet) Activate(state *domain.WorkflowState) {
	if state.ActivatedAt.IsZero() {
		state.ActivatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[state.Type] = state
}

// Active returns a copy of the open workflow of the given type, or nil.
func (s *WorkflowSet) Active(t domain.WorkflowType) *domain.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.active[t]
	if !ok {
		return nil
	}
	clone := *state
	return &clone
}

// ActiveAll returns copies of every open workflow, ordered by type for
// stable rendering.
func (s *WorkflowSet) ActiveAll() []domain.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkflowState, 0, len(s.active))
	for _, state := range s.active {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Confirm closes the workflow of the given type as accepted.
func (s *WorkflowSet) Confirm(t domain.WorkflowType) (*domain.WorkflowState, error) {
	return s.close(t)
}

// Dismiss closes the workflow of the given type without acting on it.
func (s *WorkflowSet) Dismiss(t domain.WorkflowType) (*domain.WorkflowState, error) {
	return s.close(t)
}

func (s *WorkflowSet) close(t domain.WorkflowType) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.active[t]
	if !ok {
		return nil, ErrNoActiveWorkflow
	}
	delete(s.active, t)
	clone := *state
	return &clone, nil
}
