// Package jmscheduler implements the JM-side pusher and committer loops
// that dispatch tasks to TMs and drain their results back into a job
// outcome.
package jmscheduler

import "sync"

// pendingEntry tracks one outstanding task: its payload (so it can be
// resubmitted after generation completes) and how many times it has been
// pushed.
type pendingEntry struct {
	body         []byte
	attemptCount int
}

// completedEntry records the outcome of a committed task for dedup and
// diagnostics.
type completedEntry struct {
	workerStatus int64
	commitStatus int
}

// State is the shared pending/completed bookkeeping for one run, guarded by
// one mutex per map.
type State struct {
	pendingMu sync.Mutex
	pending   map[int64]*pendingEntry

	completedMu sync.Mutex
	completed   map[int64]completedEntry

	// generationDone is set by the pusher once the module's NextTask
	// reports no more tasks. Read by both loops under pendingMu since it is
	// always consulted alongside the pending map.
	generationDone bool
}

// NewState allocates fresh pending/completed maps for one run ordinal.
func NewState() *State {
	return &State{
		pending:   make(map[int64]*pendingEntry),
		completed: make(map[int64]completedEntry),
	}
}

func (s *State) insertPending(taskID int64, body []byte) {
	s.pendingMu.Lock()
	s.pending[taskID] = &pendingEntry{body: body}
	s.pendingMu.Unlock()
}

func (s *State) removePending(taskID int64) {
	s.pendingMu.Lock()
	delete(s.pending, taskID)
	s.pendingMu.Unlock()
}

func (s *State) pendingEmpty() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending) == 0
}

func (s *State) isPending(taskID int64) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[taskID]
	return ok
}

func (s *State) setGenerationDone() {
	s.pendingMu.Lock()
	s.generationDone = true
	s.pendingMu.Unlock()
}

func (s *State) isGenerationDone() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.generationDone
}

// pendingBody returns the body of a still-pending task, bumping its
// attempt count for the resubmission path.
func (s *State) pendingBody(taskID int64) ([]byte, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	e, ok := s.pending[taskID]
	if !ok {
		return nil, false
	}
	e.attemptCount++
	return e.body, true
}

func (s *State) isCompleted(taskID int64) bool {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	_, ok := s.completed[taskID]
	return ok
}

func (s *State) recordCompleted(taskID int64, workerStatus int64, commitStatus int) {
	s.completedMu.Lock()
	s.completed[taskID] = completedEntry{workerStatus: workerStatus, commitStatus: commitStatus}
	s.completedMu.Unlock()
}

// CompletedCount reports len(completed), for tests and diagnostics.
func (s *State) CompletedCount() int {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	return len(s.completed)
}

// PendingCount reports len(pending), for tests and diagnostics.
func (s *State) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}
