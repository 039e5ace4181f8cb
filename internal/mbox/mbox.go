// Package mbox streams messages in and out of mbox files.
//
// The reader understands mboxo/mboxrd exports where each message starts
// with a Unix "From " separator line and quoted body lines carry one or
// more leading '>' before "From ". The writer produces mboxrd: it quotes
// any body line matching ^>*From  with an extra '>'.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// maxLineBytes bounds a single physical line; pathological input
	// without newlines fails instead of exhausting memory.
	maxLineBytes = 32 << 20

	// maxMessageBytes bounds one message. Messages over the cap are
	// skipped with ErrMessageTooLarge; the stream stays usable.
	maxMessageBytes = 100 << 20
)

var ErrMessageTooLarge = errors.New("mbox: message exceeds size cap")

// Message is one record from an mbox stream. Raw holds the RFC 5322
// bytes without the separator line, already unquoted.
type Message struct {
	Separator string
	Raw       []byte
}

// Reader yields messages one at a time from an mbox stream. A malformed
// record only costs that record: the next Next call resumes at the
// following separator line.
type Reader struct {
	br       *bufio.Reader
	consumed int64

	pending    string // separator already read for the next message
	hasPending bool
	done       bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Offset reports how many bytes of the underlying stream have been
// consumed, for progress reporting against the file size.
func (r *Reader) Offset() int64 {
	return r.consumed
}

// Next returns the next message, io.EOF at end of stream, or
// ErrMessageTooLarge for an oversized record (the reader remains valid).
func (r *Reader) Next() (*Message, error) {
	if r.done {
		return nil, io.EOF
	}

	if !r.hasPending {
		// Scan forward to the first separator, discarding junk such as
		// leading blank lines or a truncated previous record.
		for {
			line, err := r.readLine()
			if err != nil && err != io.EOF {
				return nil, err
			}
			if isSeparator(line) {
				r.pending = string(bytes.TrimRight(line, "\r\n"))
				r.hasPending = true
				break
			}
			if err == io.EOF {
				r.done = true
				return nil, io.EOF
			}
		}
	}

	sep := r.pending
	r.hasPending = false

	var raw bytes.Buffer
	oversized := false
	for {
		line, err := r.readLine()
		if len(line) > 0 {
			if isSeparator(line) {
				r.pending = string(bytes.TrimRight(line, "\r\n"))
				r.hasPending = true
				break
			}
			if !oversized {
				unquoted := unquoteFrom(line)
				if raw.Len()+len(unquoted) > maxMessageBytes {
					oversized = true
				} else {
					raw.Write(unquoted)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				r.done = true
				break
			}
			return nil, err
		}
	}

	if oversized {
		return nil, fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, maxMessageBytes)
	}
	return &Message{Separator: sep, Raw: trimRecordGap(raw.Bytes())}, nil
}

// trimRecordGap drops the single blank line that separates mbox records
// from the end of a message, when present.
func trimRecordGap(b []byte) []byte {
	switch {
	case bytes.HasSuffix(b, []byte("\n\r\n")):
		return b[:len(b)-2]
	case bytes.HasSuffix(b, []byte("\n\n")):
		return b[:len(b)-1]
	}
	return b
}

// readLine reads one physical line including its newline, accumulating
// across bufio.ErrBufferFull for long lines.
func (r *Reader) readLine() ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.br.ReadBytes('\n')
		r.consumed += int64(len(chunk))
		out = append(out, chunk...)
		if len(out) > maxLineBytes {
			return nil, fmt.Errorf("mbox: line exceeds %d bytes", maxLineBytes)
		}
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == io.EOF:
			return out, io.EOF
		default:
			return out, err
		}
	}
}

// separatorLayouts covers the ctime-style dates mbox producers emit,
// with and without seconds, and with the zone before or after the year.
var separatorLayouts = []string{
	"Mon Jan 2 15:04:05 2006",
	"Mon Jan 2 15:04:05 -0700 2006",
	"Mon Jan 2 15:04:05 MST 2006",
	"Mon Jan 2 15:04:05 2006 -0700",
	"Mon Jan 2 15:04:05 2006 MST",
	"Mon Jan 2 15:04 2006",
	"Mon Jan 2 15:04 2006 -0700",
}

// isSeparator reports whether the line is an mbox "From " separator:
// "From <sender> <ctime date>". The date check keeps ordinary body
// lines starting with "From " from splitting a message.
func isSeparator(line []byte) bool {
	if !bytes.HasPrefix(line, []byte("From ")) {
		return false
	}
	_, ok := parseSeparatorDate(string(bytes.TrimRight(line, "\r\n")))
	return ok
}

// parseSeparatorDate extracts the date from a separator line. Trailing
// tokens after the date ("remote from host") are ignored.
func parseSeparatorDate(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "From" {
		return time.Time{}, false
	}
	for _, layout := range separatorLayouts {
		n := len(strings.Fields(layout))
		if len(fields) < 2+n {
			continue
		}
		if t, err := time.Parse(layout, strings.Join(fields[2:2+n], " ")); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// unquoteFrom strips one '>' from lines matching ^>+From .
func unquoteFrom(line []byte) []byte {
	if len(line) == 0 || line[0] != '>' {
		return line
	}
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if bytes.HasPrefix(line[i:], []byte("From ")) {
		return line[1:]
	}
	return line
}

// Validate reads up to maxBytes looking for a separator line and fails
// when none is found. Cheap sanity check before queuing an import.
func Validate(r io.Reader, maxBytes int64) error {
	if maxBytes <= 0 {
		return errors.New("mbox: maxBytes must be positive")
	}
	br := bufio.NewReader(io.LimitReader(r, maxBytes))
	for {
		line, err := br.ReadBytes('\n')
		if isSeparator(line) {
			return nil
		}
		if err == io.EOF {
			return errors.New("mbox: no separator lines found")
		}
		if err != nil {
			return err
		}
	}
}

// Writer appends messages to an mbox stream in mboxrd form.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage emits a separator line built from sender and date, then
// the message with "From "-lines quoted, then a blank record gap.
func (w *Writer) WriteMessage(sender string, date time.Time, raw []byte) error {
	if sender == "" {
		sender = "MAILER-DAEMON"
	}
	if date.IsZero() {
		date = time.Unix(0, 0).UTC()
	}
	sep := fmt.Sprintf("From %s %s\n", sender, date.UTC().Format("Mon Jan 2 15:04:05 2006"))
	if _, err := io.WriteString(w.w, sep); err != nil {
		return err
	}

	for len(raw) > 0 {
		line := raw
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line = raw[:i+1]
			raw = raw[i+1:]
		} else {
			raw = nil
		}
		if needsQuote(line) {
			if _, err := w.w.Write([]byte{'>'}); err != nil {
				return err
			}
		}
		if _, err := w.w.Write(line); err != nil {
			return err
		}
		if raw == nil && !bytes.HasSuffix(line, []byte("\n")) {
			if _, err := io.WriteString(w.w, "\n"); err != nil {
				return err
			}
		}
	}

	_, err := io.WriteString(w.w, "\n")
	return err
}

// needsQuote matches ^>*From  per mboxrd.
func needsQuote(line []byte) bool {
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	return bytes.HasPrefix(line[i:], []byte("From "))
}
