package memory

import (
	"slices"
	"sync"

	"github.com/JakeFAU/market-price-crawler/internal/task"
)

// JobStore keeps task records in a map plus a creation-order index.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]task.Job
	order []string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]task.Job)}
}

// Put inserts job or replaces the record with the same ID. Replacing keeps
// the original creation slot.
func (s *JobStore) Put(job task.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = job
}

// Get fetches a job by ID.
func (s *JobStore) Get(id string) (task.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Delete removes a job. Unknown ids are ignored.
func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

// Each visits jobs oldest first until fn returns false.
func (s *JobStore) Each(fn func(task.Job) bool) {
	s.mu.RLock()
	order := slices.Clone(s.order)
	s.mu.RUnlock()
	for _, id := range order {
		job, ok := s.Get(id)
		if !ok {
			continue
		}
		if !fn(job) {
			return
		}
	}
}

// Len reports the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
