package task

import (
	"context"
	"time"
)

// Store holds job records for the Manager. The Manager serializes every
// call, so implementations need not lock. Jobs are stored and returned by
// value.
type Store interface {
	Put(job Job)
	Get(id string) (Job, bool)
	Delete(id string)
	// Each visits jobs in creation order until fn returns false.
	Each(fn func(Job) bool)
	Len() int
}

// Archive persists job history outside process memory. It is called
// without the Manager lock held. SaveJob calls are serialized and never
// deliver a snapshot older than one already saved for the same job.
type Archive interface {
	SaveJob(ctx context.Context, job Job) error
	AppendLog(ctx context.Context, jobID, line string, at time.Time) error
}

// IDGenerator produces job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}
