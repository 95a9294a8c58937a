package logsink

import (
	"context"
	"time"

	"github.com/runpod-workers/worker-flash/internal/logging"
)

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 1000
	defaultFlushInterval = 500 * time.Millisecond
	defaultSaveTimeout   = 5 * time.Second
)

// Batcher buffers job logs and flushes them to the sink in batches, either
// when the batch fills or on a periodic tick. Enqueue never blocks; when
// the buffer is full the entry is dropped with a warning log line.
type Batcher struct {
	sink          Sink
	logs          chan *JobLog
	batchSize     int
	flushInterval time.Duration
	saveTimeout   time.Duration
	done          chan struct{}
	stopped       chan struct{}
}

// NewBatcher starts the flush loop over the given sink.
func NewBatcher(sink Sink) *Batcher {
	b := &Batcher{
		sink:          sink,
		logs:          make(chan *JobLog, defaultBufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		saveTimeout:   defaultSaveTimeout,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.loop()
	return b
}

// Enqueue buffers one entry without blocking the job path.
func (b *Batcher) Enqueue(log *JobLog) {
	select {
	case b.logs <- log:
	default:
		logging.Op().Warn("job log buffer full, dropping entry", "request_id", log.RequestID)
	}
}

// Close flushes remaining entries and shuts the loop down.
func (b *Batcher) Close() {
	close(b.done)
	<-b.stopped
	b.sink.Close()
}

func (b *Batcher) loop() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]*JobLog, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.saveTimeout)
		if err := b.sink.SaveBatch(ctx, batch); err != nil {
			logging.Op().Warn("failed to persist job logs", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case l := <-b.logs:
			batch = append(batch, l)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.done:
			// Drain whatever is queued, then final flush.
			for {
				select {
				case l := <-b.logs:
					batch = append(batch, l)
					if len(batch) >= b.batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
