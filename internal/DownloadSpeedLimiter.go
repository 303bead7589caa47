package internal

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// minimumSpeedLimit is the lowest accepted limit (64KB/s)
const minimumSpeedLimit = 64 << 10

// SpeedChangedHandler is a callback function for speed change events
type SpeedChangedHandler func(sender interface{}, newRequestedSpeed int64)

// ChunkProcessingChangedHandler is a callback function for download count changes
type ChunkProcessingChangedHandler func(sender interface{}, currentChunkProcessing int)

// DownloadSpeedLimiter shares one bandwidth budget between every download
// and tracks how many downloads are in flight
type DownloadSpeedLimiter struct {
	// Event handlers
	CurrentChunkProcessingChangedEvent ChunkProcessingChangedHandler
	DownloadSpeedChangedEvent          SpeedChangedHandler

	limiter                atomic.Pointer[rate.Limiter]
	requestedSpeed         atomic.Int64
	currentChunkProcessing atomic.Int32

	// Mutex for event handler operations
	mu sync.RWMutex
}

// NewDownloadSpeedLimiter creates a limiter. bytesPerSecond <= 0 means unlimited.
func NewDownloadSpeedLimiter(bytesPerSecond int64) *DownloadSpeedLimiter {
	s := &DownloadSpeedLimiter{}
	s.applySpeed(bytesPerSecond)
	return s
}

// SetSpeed changes the shared limit and notifies the listener
func (s *DownloadSpeedLimiter) SetSpeed(bytesPerSecond int64) {
	s.applySpeed(bytesPerSecond)

	s.mu.RLock()
	handler := s.DownloadSpeedChangedEvent
	s.mu.RUnlock()

	if handler != nil {
		handler(s, s.requestedSpeed.Load())
	}
}

// applySpeed swaps in a fresh limiter. Downloads already waiting on the old
// one finish their current wait at the old rate.
func (s *DownloadSpeedLimiter) applySpeed(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		s.requestedSpeed.Store(0)
		s.limiter.Store(rate.NewLimiter(rate.Inf, minimumSpeedLimit))
		return
	}

	bytesPerSecond = max(minimumSpeedLimit, bytesPerSecond)
	s.requestedSpeed.Store(bytesPerSecond)
	s.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)))
}

// Speed returns the current limit in bytes per second, 0 when unlimited
func (s *DownloadSpeedLimiter) Speed() int64 {
	if s == nil {
		return 0
	}
	return s.requestedSpeed.Load()
}

// WaitN blocks until n more bytes may be read. A nil limiter never blocks.
func (s *DownloadSpeedLimiter) WaitN(ctx context.Context, n int) error {
	if s == nil || s.requestedSpeed.Load() == 0 {
		return nil
	}

	limiter := s.limiter.Load()
	for n > 0 {
		step := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// IncrementChunkProcessedCount increases the in-flight download count
func (s *DownloadSpeedLimiter) IncrementChunkProcessedCount() {
	if s == nil {
		return
	}
	s.notifyProcessing(int(s.currentChunkProcessing.Add(1)))
}

// DecrementChunkProcessedCount decreases the in-flight download count
func (s *DownloadSpeedLimiter) DecrementChunkProcessedCount() {
	if s == nil {
		return
	}
	s.notifyProcessing(int(s.currentChunkProcessing.Add(-1)))
}

func (s *DownloadSpeedLimiter) notifyProcessing(count int) {
	s.mu.RLock()
	handler := s.CurrentChunkProcessingChangedEvent
	s.mu.RUnlock()

	if handler != nil {
		handler(s, count)
	}
}

// GetCurrentChunkProcessing returns the number of downloads in flight
func (s *DownloadSpeedLimiter) GetCurrentChunkProcessing() int {
	if s == nil {
		return 0
	}
	return int(s.currentChunkProcessing.Load())
}
