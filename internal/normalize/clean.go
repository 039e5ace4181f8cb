package normalize

import (
	"strings"
	"unicode/utf8"
)

// Per-field byte caps for the searchable columns. The full-text index has a
// hard ~1 MiB per-row ceiling, so every field is capped at write time.
const (
	MaxSubjectBytes   = 50 * 1024
	MaxFromBytes      = 10 * 1024
	MaxAddressBytes   = 50 * 1024 // to, cc, bcc
	MaxBodyBytes      = 500 * 1024
	MaxHTMLBodyBytes  = 1024 * 1024
	MaxRawHeaderBytes = 100 * 1024

	// MaxSearchableBytes is the combined budget across the six searchable
	// fields after per-field capping.
	MaxSearchableBytes = 900 * 1024
)

// truncationSentinel is appended to capped plain-text fields.
const truncationSentinel = "\n[content truncated]"

// headerTruncationMarker is appended to capped raw headers.
const headerTruncationMarker = "\n[headers truncated]"

// CleanText strips NUL bytes and replaces C0 control characters other than
// CR, LF and TAB with a single space. Codepoints above the control range
// pass through untouched.
func CleanText(s string) string {
	if !strings.ContainsFunc(s, isDirtyControl) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0:
			// dropped
		case isDirtyControl(r):
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func isDirtyControl(r rune) bool {
	if r == '\r' || r == '\n' || r == '\t' {
		return false
	}
	return r < 0x20
}

// ContainsNUL reports whether s carries a NUL byte. NULs force the original
// bytes to be preserved alongside the cleaned column.
func ContainsNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}

// TruncateBytes cuts s to at most max bytes without splitting a UTF-8
// sequence. It does not append a sentinel.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// CapField truncates a header-ish field to max bytes, appending the
// truncation sentinel when a cut happened. Returns the capped value and
// whether truncation occurred.
func CapField(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	keep := max - len(truncationSentinel)
	if keep < 0 {
		keep = 0
	}
	return TruncateBytes(s, keep) + truncationSentinel, true
}

// CapBody truncates body text to max bytes at a word boundary, appending
// the truncation sentinel. Returns the capped value and whether truncation
// occurred.
func CapBody(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	keep := max - len(truncationSentinel)
	if keep < 0 {
		keep = 0
	}
	cut := TruncateBytes(s, keep)
	// Pull back to the last whitespace so words are not split mid-way.
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > keep/2 {
		cut = cut[:idx]
	}
	return cut + truncationSentinel, true
}

// CapRawHeaders caps the verbatim header block, appending the header
// truncation marker when cut.
func CapRawHeaders(s string) string {
	if len(s) <= MaxRawHeaderBytes {
		return s
	}
	keep := MaxRawHeaderBytes - len(headerTruncationMarker)
	return TruncateBytes(s, keep) + headerTruncationMarker
}
