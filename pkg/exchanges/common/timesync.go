package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync keeps a signed-request timestamp aligned with the exchange clock.
// Signed endpoints reject requests whose timestamp drifts past recvWindow, so
// the offset is refreshed periodically.
type TimeSync struct {
	mu            sync.RWMutex
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // ms, server minus local
	lastSync      time.Time
	syncInterval  time.Duration
}

// NewTimeSync wraps a server-time probe.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Start syncs once then resyncs on a ticker until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("time sync: initial sync failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("time sync: %v", err)
				}
			}
		}
	}()
}

// Sync measures the offset once, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()
	return nil
}

// Now is the exchange-adjusted timestamp in milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
