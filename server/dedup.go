package server

import (
	"strings"
	"time"
)

// dedupWindow remembers recently sent messages so that an identical resend
// within the window can be refused. It is a convenience for clients that
// double-submit, not a delivery guarantee.
type dedupWindow struct {
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func dedupKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func (d *dedupWindow) seenRecently(key string) bool {
	if d.window <= 0 {
		return false
	}

	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}

	_, ok := d.seen[key]
	return ok
}

func (d *dedupWindow) remember(key string) {
	if d.window <= 0 {
		return
	}
	d.seen[key] = d.now()
}
