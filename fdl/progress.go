package fdl

import (
	"sync"
	"time"
)

// ProgressTracker tracks chunked-transfer progress and invokes a progress
// callback after every chunk. It also keeps a byte rate for logging.
type ProgressTracker struct {
	mu sync.Mutex

	chunksDone  int
	chunksTotal int
	bytesDone   int64
	startTime   time.Time

	callback func(index, total int)
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(callback func(index, total int)) *ProgressTracker {
	return &ProgressTracker{callback: callback}
}

// Start begins tracking a transfer of chunksTotal chunks.
func (pt *ProgressTracker) Start(chunksTotal int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.chunksTotal = chunksTotal
	pt.chunksDone = 0
	pt.bytesDone = 0
	pt.startTime = time.Now()
}

// Step records one completed chunk of n bytes and fires the callback.
func (pt *ProgressTracker) Step(n int) {
	pt.mu.Lock()
	pt.chunksDone++
	pt.bytesDone += int64(n)
	index, total := pt.chunksDone, pt.chunksTotal
	cb := pt.callback
	pt.mu.Unlock()

	if cb != nil {
		cb(index, total)
	}
}

// Rate returns the average transfer rate in bytes per second.
func (pt *ProgressTracker) Rate() float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	elapsed := time.Since(pt.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(pt.bytesDone) / elapsed
}

// Stats returns the chunk counters and elapsed duration.
func (pt *ProgressTracker) Stats() (done, total int, bytes int64, elapsed time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.chunksDone, pt.chunksTotal, pt.bytesDone, time.Since(pt.startTime)
}
