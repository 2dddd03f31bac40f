package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	frames := []string{"AUTH:alice:pw1", "PRIVATE:bob:привет: мир", ""}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame(%q): %v", f, err)
		}
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got != want {
			t.Errorf("ReadFrame = %q, want %q", got, want)
		}
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame on empty buffer = %v, want io.EOF", err)
	}
}

func TestFrameHeaderIsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, "PING"); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x00, 0x04, 'P', 'I', 'N', 'G'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("frame bytes = %v, want %v", buf.Bytes(), want)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x05, 'P', 'I'})
	if _, err := ReadFrame(r); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadFrameInvalidUTF8(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x03, 'A', 0xff, 'B'})
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != "A�B" {
		t.Errorf("ReadFrame = %q, want replacement character", got)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, strings.Repeat("x", MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteFrame = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized frame wrote %d bytes", buf.Len())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		raw        string
		verb       string
		payload    string
		hasPayload bool
	}{
		{"GET_USERS", "GET_USERS", "", false},
		{"AUTH:alice:pw", "AUTH", "alice:pw", true},
		{"BROADCAST:", "BROADCAST", "", true},
		{"PING\r\n", "PING", "", false},
	}

	for _, tt := range tests {
		cmd := Parse(tt.raw)
		if cmd.Verb != tt.verb || cmd.Payload != tt.payload || cmd.HasPayload != tt.hasPayload {
			t.Errorf("Parse(%q) = %+v, want verb=%q payload=%q has=%v", tt.raw, cmd, tt.verb, tt.payload, tt.hasPayload)
		}
	}
}

func TestArgsRejoinsTrailingText(t *testing.T) {
	cmd := Parse("PRIVATE:bob:meet at 10:30: ok?")

	args, ok := cmd.Args(2)
	if !ok {
		t.Fatal("Args(2) not ok")
	}
	if args[0] != "bob" || args[1] != "meet at 10:30: ok?" {
		t.Errorf("Args(2) = %q", args)
	}
}

func TestArgsTooFew(t *testing.T) {
	if _, ok := Parse("AUTH:alice").Args(2); ok {
		t.Error("AUTH:alice should not yield two arguments")
	}
	if _, ok := Parse("ADD_FRIEND").Args(1); ok {
		t.Error("verb without payload should not yield an argument")
	}
	if args, ok := Parse("LOGOUT").Args(0); !ok || args != nil {
		t.Errorf("Args(0) = %v, %v", args, ok)
	}
}

func TestFormat(t *testing.T) {
	if got := Format("AUTH_SUCCESS"); got != "AUTH_SUCCESS" {
		t.Errorf("Format = %q", got)
	}
	if got := Format("GROUP_MESSAGE", "c1", "alice", "hi: all"); got != "GROUP_MESSAGE:c1:alice:hi: all" {
		t.Errorf("Format = %q", got)
	}
	if got := FormatList("USERLIST", []string{"bob:1:U", "carol:0:U:F"}); got != "USERLIST:bob:1:U,carol:0:U:F" {
		t.Errorf("FormatList = %q", got)
	}
	if got := FormatList("USERLIST", nil); got != "USERLIST:" {
		t.Errorf("FormatList(nil) = %q", got)
	}
}

func TestTimeLayoutHasNoColons(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	s := FormatTime(ts)
	if s != "20240305T140709Z" {
		t.Errorf("FormatTime = %q", s)
	}
	if strings.Contains(s, ":") {
		t.Errorf("FormatTime %q contains a colon", s)
	}

	back, err := ParseTime(s)
	if err != nil || !back.Equal(ts) {
		t.Errorf("ParseTime(%q) = %v, %v", s, back, err)
	}
}
