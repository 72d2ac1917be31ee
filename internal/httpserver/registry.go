package httpserver

import (
	"sync"

	"github.com/aurjobsa/PreScreeningAgent/internal/agent"
	"github.com/aurjobsa/PreScreeningAgent/internal/workflow"
)

// Registry tracks live call sessions by call SID plus workflow parameters
// registered before the call connects (outbound calls register by SID at
// creation time).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*agent.Session
	pending  map[string]workflow.Params
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*agent.Session),
		pending:  make(map[string]workflow.Params),
	}
}

// GetOrCreate returns the live session for callSID, building one with
// factory only when none exists. A duplicate start event for the same call
// must reuse the session, never replace it.
func (r *Registry) GetOrCreate(callSID string, factory func() (*agent.Session, error)) (*agent.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callSID]; ok {
		return s, false, nil
	}
	s, err := factory()
	if err != nil {
		return nil, false, err
	}
	r.sessions[callSID] = s
	return s, true, nil
}

// Get returns the live session for callSID.
func (r *Registry) Get(callSID string) (*agent.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSID]
	return s, ok
}

// Remove drops the session for callSID.
func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callSID)
}

// Stats returns a snapshot of every live session.
func (r *Registry) Stats() []agent.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	return out
}

// RegisterPending stores workflow parameters for a call that has not
// streamed yet, keyed by call SID.
func (r *Registry) RegisterPending(callSID string, params workflow.Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[callSID] = params
}

// TakePending removes and returns the pending parameters for callSID.
// Unknown calls get default-workflow parameters.
func (r *Registry) TakePending(callSID string) workflow.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[callSID]; ok {
		delete(r.pending, callSID)
		return p
	}
	return workflow.Params{Kind: workflow.KindDefault}
}
