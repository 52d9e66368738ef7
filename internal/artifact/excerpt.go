package artifact

import "unicode/utf8"

const excerptSuffix = "…"

// TruncateExcerpt truncates text to at most limit bytes, reserving space
// for the "…" suffix (len(excerptSuffix) bytes) so the result never exceeds
// limit. Truncation always lands on a UTF-8 rune boundary.
func TruncateExcerpt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	budget := limit - len(excerptSuffix)
	if budget < 0 {
		budget = 0
	}
	end := budget
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	return text[:end] + excerptSuffix
}
