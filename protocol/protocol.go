package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxFrameSize is the largest payload a 2-byte length header can carry.
const MaxFrameSize = 0xFFFF

// TimeLayout is the wire form of timestamps. It has no colons so it can sit
// in the middle of a command without being split.
const TimeLayout = "20060102T150405Z"

var (
	ErrFrameTooLarge = errors.New("frame exceeds 65535 bytes")
)

// ReadFrame reads one length-prefixed frame. Invalid UTF-8 sequences are
// replaced rather than rejected so that framing stays in sync.
func ReadFrame(r io.Reader) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}

	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}

	if !utf8.Valid(buf) {
		return strings.ToValidUTF8(string(buf), "�"), nil
	}
	return string(buf), nil
}

// WriteFrame writes text as a single frame in one Write call.
func WriteFrame(w io.Writer, text string) error {
	if len(text) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(len(text)))
	copy(buf[2:], text)

	_, err := w.Write(buf)
	return err
}

// Command is a decoded VERB[:payload] frame.
type Command struct {
	Verb       string
	Payload    string
	HasPayload bool
}

func Parse(raw string) Command {
	raw = strings.TrimRight(raw, "\r\n")

	verb, payload, found := strings.Cut(raw, ":")
	return Command{
		Verb:       strings.TrimSpace(verb),
		Payload:    payload,
		HasPayload: found,
	}
}

// Args splits the payload into exactly n arguments. The last argument keeps
// any remaining colons, so message text and chat names survive intact.
func (c Command) Args(n int) ([]string, bool) {
	if n == 0 {
		return nil, true
	}
	if !c.HasPayload {
		return nil, false
	}

	parts := strings.SplitN(c.Payload, ":", n)
	if len(parts) < n {
		return nil, false
	}
	return parts, true
}

// Format builds VERB:arg1:arg2... with no escaping; callers put free text last.
func Format(verb string, args ...string) string {
	if len(args) == 0 {
		return verb
	}
	return verb + ":" + strings.Join(args, ":")
}

func FormatList(verb string, items []string) string {
	return verb + ":" + strings.Join(items, ",")
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
