package engine

import (
	"os"
	"sync"
)

// runRegistry is the process-wide table of per-action cancellation
// state. It is the engine's only shared mutable state.
type runRegistry struct {
	mu      sync.Mutex
	entries map[string]*actionEntry
}

// actionEntry tracks one action's in-flight runs: a stop flag, a stop
// generation counter, the live set of subprocess handles, and the
// active-run refcount that bounds the entry's lifetime.
type actionEntry struct {
	mu        sync.Mutex
	cancelled bool
	stops     uint64
	procs     map[int]*os.Process
	active    int
}

// cancelToken is one run's view of its action's cancellation state.
// Recovery tokens only observe stops issued after their creation, so a
// recovery pipeline can perform cleanup after the primary run was
// stopped, while still being stoppable itself.
type cancelToken struct {
	entry    *actionEntry
	recovery bool
	birth    uint64
}

func newRunRegistry() *runRegistry {
	return &runRegistry{entries: make(map[string]*actionEntry)}
}

// acquire registers a new run of the given action and returns its token.
func (r *runRegistry) acquire(actionID string) *cancelToken {
	r.mu.Lock()
	entry, ok := r.entries[actionID]
	if !ok {
		entry = &actionEntry{procs: make(map[int]*os.Process)}
		r.entries[actionID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.active++
	return &cancelToken{entry: entry, birth: entry.stops}
}

// forRecovery derives a token for the action's recovery pipeline. It
// shares the entry (so stop reaches its processes) but ignores stops
// issued before the recovery phase began.
func (t *cancelToken) forRecovery() *cancelToken {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()
	return &cancelToken{entry: t.entry, recovery: true, birth: t.entry.stops}
}

// release drops one active run; the last release removes the entry so
// the next run of the action starts with a clean flag.
func (r *runRegistry) release(actionID string, t *cancelToken) {
	t.entry.mu.Lock()
	t.entry.active--
	drained := t.entry.active <= 0
	t.entry.mu.Unlock()

	if drained {
		r.mu.Lock()
		if entry, ok := r.entries[actionID]; ok && entry == t.entry {
			delete(r.entries, actionID)
		}
		r.mu.Unlock()
	}
}

// stop requests cooperative cancellation of every active run of the
// action and terminates all process trees currently attached to it.
// Runs joining before the entry drains observe the flag as well.
func (r *runRegistry) stop(actionID string) {
	r.mu.Lock()
	entry, ok := r.entries[actionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.cancelled = true
	entry.stops++
	procs := make([]*os.Process, 0, len(entry.procs))
	for _, p := range entry.procs {
		procs = append(procs, p)
	}
	entry.mu.Unlock()

	for _, p := range procs {
		terminateTree(p)
	}
}

// Cancelled reports whether the token's run should abort.
func (t *cancelToken) Cancelled() bool {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()
	if t.recovery {
		return t.entry.stops > t.birth
	}
	return t.entry.cancelled
}

func (t *cancelToken) attach(p *os.Process) {
	t.entry.mu.Lock()
	t.entry.procs[p.Pid] = p
	t.entry.mu.Unlock()
}

func (t *cancelToken) detach(p *os.Process) {
	t.entry.mu.Lock()
	delete(t.entry.procs, p.Pid)
	t.entry.mu.Unlock()
}
