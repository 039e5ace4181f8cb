package normalize

import "strings"

// truncationNotice is the visible block appended to truncated HTML bodies.
const truncationNotice = `<div style="margin-top:1em;padding:8px;border:1px solid #ccc;background:#f8f8f8;font-size:smaller;">` +
	`[Content truncated for archiving]</div>`

// TruncateHTML cuts an HTML body to at most max bytes at a safe tag
// boundary. The truncation point never splits a tag and is pulled back to
// before a straddling <img> so inline cid: references stay intact. A visible
// truncation notice is appended, and the enclosing <body>/<html> tags are
// closed when the kept prefix opened them.
//
// Returns the (possibly shortened) HTML and whether truncation occurred.
func TruncateHTML(html string, max int) (string, bool) {
	if len(html) <= max {
		return html, false
	}

	// Reserve room for the notice and closing tags.
	budget := max - len(truncationNotice) - len("</body></html>")
	if budget < 0 {
		budget = 0
	}

	cut := safeCutPoint(html, budget)
	out := html[:cut]

	var sb strings.Builder
	sb.Grow(len(out) + len(truncationNotice) + 16)
	sb.WriteString(out)
	sb.WriteString(truncationNotice)

	lower := strings.ToLower(out)
	if strings.Contains(lower, "<body") && !strings.Contains(lower, "</body>") {
		sb.WriteString("</body>")
	}
	if strings.Contains(lower, "<html") && !strings.Contains(lower, "</html>") {
		sb.WriteString("</html>")
	}

	return sb.String(), true
}

// safeCutPoint finds the largest index <= budget that does not split a tag
// and does not land immediately after a partially-kept <img> tag.
func safeCutPoint(html string, budget int) int {
	if budget >= len(html) {
		return len(html)
	}
	cut := budget
	// Never split a UTF-8 sequence.
	for cut > 0 && html[cut]&0xC0 == 0x80 {
		cut--
	}

	// If the cut lands inside a tag, pull back to just after the previous
	// '>' so no tag is ever split.
	open := strings.LastIndexByte(html[:cut], '<')
	if open >= 0 {
		closeIdx := strings.IndexByte(html[open:cut], '>')
		if closeIdx < 0 {
			cut = open
		}
	}

	// If the text immediately before the cut ends with a complete <img>
	// whose tag straddled the original budget, that's fine; but when the
	// budget fell inside an <img ...> the pull-back above already moved us
	// before it. Additionally, avoid ending between an <img> open and its
	// '>' in malformed markup.
	if lastImg := strings.LastIndex(strings.ToLower(html[:cut]), "<img"); lastImg >= 0 {
		if strings.IndexByte(html[lastImg:cut], '>') < 0 {
			cut = lastImg
		}
	}

	return cut
}
