package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// FixedWindow counts hits per key in windows that start at a key's first hit.
// It is the in-process counterpart of the Redis counter.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	lastGC  time.Time
}

func NewFixedWindow() *FixedWindow {
	return &FixedWindow{windows: make(map[string]*window), now: time.Now}
}

func (f *FixedWindow) Allow(_ context.Context, key string, limit int, length time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.gc(now, length)

	w, ok := f.windows[key]
	if !ok || now.Sub(w.start) >= length {
		w = &window{start: now}
		f.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

// gc drops expired windows at most once per window length.
func (f *FixedWindow) gc(now time.Time, length time.Duration) {
	if now.Sub(f.lastGC) < length {
		return
	}
	f.lastGC = now
	for k, w := range f.windows {
		if now.Sub(w.start) >= length {
			delete(f.windows, k)
		}
	}
}
