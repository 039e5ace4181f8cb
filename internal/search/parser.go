// Package search parses the archive search query language.
//
// Supported syntax:
//   - bare words: matched against all six text fields via the full-text index
//   - "quoted phrases": case-insensitive substring against all six fields
//   - field:term and field:"phrase" for field in {subject, body, from, to}:
//     case-insensitive substring against that field only
//
// Multiple tokens combine as AND.
package search

import "strings"

// Field names accepted for field-scoped predicates.
var scopedFields = map[string]bool{
	"subject": true,
	"body":    true,
	"from":    true,
	"to":      true,
}

// FieldPredicate is a field-scoped substring match.
type FieldPredicate struct {
	Field string // one of subject, body, from, to
	Value string
}

// Query is a parsed search query. All parts AND together.
type Query struct {
	Terms   []string         // bare words, evaluated through the full-text index
	Phrases []string         // quoted phrases, substring over all fields
	Fields  []FieldPredicate // field-scoped terms and phrases
}

// IsEmpty reports whether the query has no search criteria.
func (q *Query) IsEmpty() bool {
	return len(q.Terms) == 0 && len(q.Phrases) == 0 && len(q.Fields) == 0
}

// Parse parses a query string into a Query.
func Parse(queryStr string) *Query {
	q := &Query{}
	for _, token := range tokenize(queryStr) {
		if isQuotedPhrase(token) {
			if v := unquote(token); v != "" {
				q.Phrases = append(q.Phrases, v)
			}
			continue
		}

		if idx := strings.Index(token, ":"); idx > 0 {
			field := strings.ToLower(token[:idx])
			value := unquote(token[idx+1:])
			if scopedFields[field] && value != "" {
				q.Fields = append(q.Fields, FieldPredicate{Field: field, Value: value})
				continue
			}
			// Unknown field prefixes fall through as plain text.
		}

		if token != "" {
			q.Terms = append(q.Terms, token)
		}
	}
	return q
}

// unquote removes surrounding double quotes from a string if present.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// isQuotedPhrase reports whether the token is a double-quoted phrase.
func isQuotedPhrase(token string) bool {
	return len(token) > 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits a query string, preserving quoted phrases and keeping
// field:"quoted value" pairs together as a single token.
func tokenize(queryStr string) []string {
	var tokens []string
	var current strings.Builder
	inQuotes := false
	afterColon := false // the previous rune was ':'
	opQuoted := false   // current quoted section started as field:"value"

	for _, char := range queryStr {
		switch {
		case char == '"' && !inQuotes:
			inQuotes = true
			opQuoted = afterColon
			if !afterColon && current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			if afterColon {
				current.WriteRune(char)
			}
			afterColon = false

		case char == '"' && inQuotes:
			inQuotes = false
			if opQuoted {
				current.WriteRune(char)
				tokens = append(tokens, current.String())
				current.Reset()
			} else if current.Len() > 0 {
				tokens = append(tokens, `"`+current.String()+`"`)
				current.Reset()
			}
			opQuoted = false

		case char == ' ' && !inQuotes:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			afterColon = false

		default:
			current.WriteRune(char)
			afterColon = char == ':'
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// tsqueryOperators are characters with special meaning inside to_tsquery
// input. They are stripped from bare terms before the terms are joined
// with " & ".
const tsqueryOperators = "&|!():*"

// SanitizeTsQuery strips tsquery operator characters from the bare terms and
// joins them with " & " for a single to_tsquery('simple', ...) call. Returns
// the empty string when nothing searchable remains.
func SanitizeTsQuery(terms []string) string {
	var cleaned []string
	for _, term := range terms {
		t := strings.Map(func(r rune) rune {
			if strings.ContainsRune(tsqueryOperators, r) {
				return -1
			}
			return r
		}, term)
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, " & ")
}
