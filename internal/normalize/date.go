package normalize

import (
	"strings"
	"time"
)

// dateFormats lists RFC-2822-shaped formats tried before the permissive
// fallback. Order matters: the most common shapes come first.
var dateFormats = []string{
	time.RFC1123Z,                    // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                     // "Mon, 02 Jan 2006 15:04:05 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700", // single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700", // no weekday
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// ParseMailDate parses a mail date header value. Trailing "(ZONE)" comments
// are stripped before the fixed format list is tried. Returns the zero time
// when nothing parses.
func ParseMailDate(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return time.Time{}, false
	}

	// Strip a trailing parenthesized zone comment like "(UTC)" or "(PST)";
	// the numeric offset before it is what matters.
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t, true
		}
	}
	if baseStr != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t, true
			}
		}
	}

	// Permissive fallback: some producers omit the seconds.
	for _, format := range []string{
		"Mon, 2 Jan 2006 15:04 -0700",
		"2 Jan 2006 15:04 -0700",
		"Mon, 2 Jan 2006 15:04 MST",
	} {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// ExtractSentDate resolves the sent date for a message:
// the Date header when parseable, else the oldest parseable Received
// header, else Resent-Date, else the zero time.
//
// receivedHeaders must be in message order (newest first, as they appear in
// the raw message); the scan runs oldest-to-newest, i.e. from the back.
func ExtractSentDate(dateHeader string, receivedHeaders []string, resentDate string) time.Time {
	if t, ok := ParseMailDate(dateHeader); ok {
		return t
	}

	for i := len(receivedHeaders) - 1; i >= 0; i-- {
		if t, ok := parseReceivedDate(receivedHeaders[i]); ok {
			return t
		}
	}

	if t, ok := ParseMailDate(resentDate); ok {
		return t
	}

	return time.Time{}
}

// parseReceivedDate extracts the timestamp from a Received header. The date
// follows the last semicolon per RFC 5322.
func parseReceivedDate(received string) (time.Time, bool) {
	idx := strings.LastIndex(received, ";")
	if idx < 0 || idx+1 >= len(received) {
		return time.Time{}, false
	}
	return ParseMailDate(received[idx+1:])
}
