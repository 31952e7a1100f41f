package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"agentchat/internal/logging"
	jsonx "agentchat/internal/shared/json"
)

const (
	readerBufferSize = 64 * 1024
	maxLineSize      = 512 * 1024

	doneSentinel = "[DONE]"
)

// Drop reasons reported to the drop hook.
const (
	DropMalformed   = "malformed"
	DropUnknownType = "unknown_type"
	DropOversized   = "oversized"
)

// DropHook observes frames the decoder discarded.
type DropHook func(reason string, err error)

// DecoderOption customises a Decoder.
type DecoderOption func(*Decoder)

// WithLogger sets the logger used for dropped-frame diagnostics.
func WithLogger(logger logging.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logging.OrNop(logger)
	}
}

// WithDropHook registers a callback invoked once per dropped frame.
func WithDropHook(hook DropHook) DecoderOption {
	return func(d *Decoder) {
		d.onDrop = hook
	}
}

// Decoder turns an SSE byte stream into Events, one per data line, in
// arrival order. It is not safe for concurrent use.
type Decoder struct {
	reader *bufio.Reader
	line   []byte
	logger logging.Logger
	onDrop DropHook
}

// NewDecoder reads frames from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		reader: bufio.NewReaderSize(r, readerBufferSize),
		line:   make([]byte, 0, readerBufferSize),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. It returns io.EOF once the stream ends and
// the transport's error if reading fails. Malformed frames, unknown kinds and
// lines longer than 512 KiB are dropped without ending the stream.
func (d *Decoder) Next() (Event, error) {
	for {
		line, oversized, err := d.readLine()
		if err != nil {
			return Event{}, err
		}
		if oversized {
			d.drop(DropOversized, "", fmt.Errorf("sse line exceeds %d bytes", maxLineSize))
			continue
		}

		payload, ok := dataPayload(string(line))
		if !ok {
			continue
		}

		var ev Event
		if err := jsonx.Unmarshal([]byte(payload), &ev); err != nil {
			d.drop(DropMalformed, payload, err)
			continue
		}
		if !ev.Type.Valid() {
			d.drop(DropUnknownType, payload, fmt.Errorf("unknown event type %q", ev.Type))
			continue
		}
		return ev, nil
	}
}

// readLine returns the next newline-terminated line without its terminator.
// A line over maxLineSize is consumed to its end and reported as oversized.
// A final fragment with no newline is discarded; io.EOF is returned instead.
func (d *Decoder) readLine() ([]byte, bool, error) {
	d.line = d.line[:0]
	oversized := false
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !oversized {
			if len(d.line)+len(chunk) > maxLineSize {
				oversized = true
				d.line = d.line[:0]
			} else {
				d.line = append(d.line, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, true, nil
			}
			line := bytes.TrimSuffix(d.line[:len(d.line)-1], []byte("\r"))
			return line, false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, false, err
		}
	}
}

func (d *Decoder) drop(reason, payload string, err error) {
	d.logger.Warn("Dropping %s SSE frame: %v (payload=%q)", reason, err, truncate(payload, 200))
	if d.onDrop != nil {
		d.onDrop(reason, err)
	}
}

// dataPayload extracts the payload of a data line. Comments, other SSE
// fields, empty payloads and the [DONE] sentinel report false.
func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == doneSentinel {
		return "", false
	}
	return payload, true
}

// truncate shortens s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
