// Package logsink persists job outcome records. By default nothing is
// persisted; configuring a Postgres DSN routes records through a batching
// writer into a jobs log table, giving operators a queryable history
// without adding latency to the job path.
package logsink

import (
	"context"
	"time"
)

// JobLog is one persisted job outcome.
type JobLog struct {
	RequestID     string
	EndpointID    string
	Target        string
	ExecutionType string
	Mode          string // live, flash-local, flash-remote
	Success       bool
	Error         string
	DurationMs    int64
	CreatedAt     time.Time
}

// Sink abstracts the destination for job logs.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Save persists a single job log entry.
	Save(ctx context.Context, log *JobLog) error

	// SaveBatch persists a batch of entries. Implementations should use
	// bulk insert for efficiency.
	SaveBatch(ctx context.Context, logs []*JobLog) error

	// Close releases any resources held by the sink.
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Save(ctx context.Context, log *JobLog) error         { return nil }
func (NopSink) SaveBatch(ctx context.Context, logs []*JobLog) error { return nil }
func (NopSink) Close() error                                        { return nil }
