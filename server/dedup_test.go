package server

import (
	"testing"
	"time"
)

func TestDedupWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d := newDedupWindow(time.Second)
	d.now = func() time.Time { return now }

	key := dedupKey("PRIVATE", "alice", "bob", "hi")
	if d.seenRecently(key) {
		t.Fatal("Fresh key reported as seen")
	}
	d.remember(key)

	now = now.Add(500 * time.Millisecond)
	if !d.seenRecently(key) {
		t.Error("Key inside the window should be seen")
	}
	if d.seenRecently(dedupKey("PRIVATE", "alice", "bob", "hi!")) {
		t.Error("Different text must not collide")
	}

	now = now.Add(600 * time.Millisecond)
	if d.seenRecently(key) {
		t.Error("Key outside the window should be forgotten")
	}
	if len(d.seen) != 0 {
		t.Errorf("Expected expired entries to be pruned, %d left", len(d.seen))
	}
}

func TestDedupWindowDisabled(t *testing.T) {
	d := newDedupWindow(0)

	d.remember("k")
	if d.seenRecently("k") {
		t.Error("Disabled window should never report duplicates")
	}
}

func TestDedupKeySeparatesParts(t *testing.T) {
	if dedupKey("a:b", "c") == dedupKey("a", "b:c") {
		t.Error("Keys with shifted separators must differ")
	}
}
