package execution

import (
	"context"
	"sync"

	"github.com/optguard/position-engine/internal/model"
)

// Recorder keeps every submitted intent in memory. Fail, when set, is
// returned from Submit after recording.
type Recorder struct {
	mu      sync.Mutex
	intents []model.Intent
	Fail    error
}

func (r *Recorder) Submit(_ context.Context, in model.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return r.Fail
}

// Intents returns a copy of the recorded intents.
func (r *Recorder) Intents() []model.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Intent(nil), r.intents...)
}

// Reset drops recorded intents.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = nil
}
