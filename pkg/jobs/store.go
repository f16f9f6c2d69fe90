package jobs

import (
	"sync"
	"time"
)

// record is the store's mutable state for one job. Snapshots handed to
// callers are copies; the record itself is only touched under the store
// lock.
type record struct {
	job    Job
	params Params
}

// store holds all jobs in submission order. It enforces the lifecycle rules:
// Pending moves to Processing only through tryStart, a job reaches exactly
// one terminal status, and terminal jobs are immutable. All result and
// status writes happen under the same lock, so a snapshot can never show a
// completed status with a missing result.
type store struct {
	mu    sync.RWMutex
	byID  map[string]*record
	order []string
}

func newStore() *store {
	return &store{byID: make(map[string]*record)}
}

// add registers a freshly validated job as Pending.
func (s *store) add(id string, params Params, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = &record{
		job: Job{
			ID:         id,
			Kind:       params.JobKind(),
			Status:     StatusPending,
			DatasetRef: params.DatasetReference(),
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		params: params,
	}
	s.order = append(s.order, id)
}

// discard drops a job that never made it into the queue.
func (s *store) discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// snapshot returns a copy of the job's current state.
func (s *store) snapshot(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// list returns snapshots in submission order, optionally filtered.
func (s *store) list(filter Filter) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.byID[id].job
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.Kind != nil && job.Kind != *filter.Kind {
			continue
		}
		out = append(out, job)
	}
	return out
}

// tryStart claims a pending job for a worker. It fails when the job was
// cancelled while queued, which is how queued cancellations take effect.
func (s *store) tryStart(id string, now time.Time) (Params, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.job.Status != StatusPending {
		return nil, false
	}
	rec.job.Status = StatusProcessing
	rec.job.StartedAt = now
	rec.job.UpdatedAt = now
	return rec.params, true
}

// setProgress advances the completion fraction of a running job. Progress
// never moves backward.
func (s *store) setProgress(id string, progress float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.job.Status != StatusProcessing {
		return
	}
	if progress > rec.job.Progress {
		rec.job.Progress = progress
		rec.job.UpdatedAt = now
	}
}

// complete commits the result and flips the job to Completed in one step
// under the lock.
func (s *store) complete(id string, result any, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.job.Status != StatusProcessing {
		return
	}
	rec.job.Result = result
	rec.job.Progress = 1
	rec.job.Status = StatusCompleted
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = now
	rec.params = nil
}

// fail flips a running job to Failed with its error message.
func (s *store) fail(id string, msg string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.job.Status != StatusProcessing {
		return
	}
	rec.job.Error = msg
	rec.job.Status = StatusFailed
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = now
	rec.params = nil
}

// markCancelled flips a job to Cancelled from either live status. Used by
// the worker after a cooperative abort and by Cancel for queued jobs.
func (s *store) markCancelled(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.job.Status.IsTerminal() {
		return false
	}
	rec.job.Status = StatusCancelled
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = now
	rec.params = nil
	return true
}

// cleanup removes terminal jobs older than maxAge and returns how many were
// dropped. Live jobs are never touched.
func (s *store) cleanup(maxAge time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.byID[id]
		if rec.job.Status.IsTerminal() && now.Sub(rec.job.CompletedAt) > maxAge {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}
