package server

import (
	"strings"
	"testing"

	"chatserver/protocol"
)

func TestFitListKeepsFrameInBounds(t *testing.T) {
	entry := strings.Repeat("u", 40) + ":1:U"

	items := make([]string, 3000)
	for i := range items {
		items[i] = entry
	}

	kept := fitList("alice", "USERLIST", items)
	if len(kept) == 0 || len(kept) == len(items) {
		t.Fatalf("Expected a truncated list, kept %d of %d", len(kept), len(items))
	}
	if frame := protocol.FormatList("USERLIST", kept); len(frame) > protocol.MaxFrameSize {
		t.Errorf("Frame of %d bytes exceeds the limit", len(frame))
	}
	if frame := protocol.FormatList("USERLIST", items[:len(kept)+1]); len(frame) <= protocol.MaxFrameSize {
		t.Error("One more entry would still have fit")
	}

	short := []string{"a:1:U", "b:0:U"}
	if got := fitList("alice", "USERLIST", short); len(got) != 2 {
		t.Errorf("Short list should be untouched, got %v", got)
	}
}
