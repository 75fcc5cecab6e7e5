// Package parser converts between a note's title and content and the plaintext
// payload stored in its file.
//
// The payload layout is the title on the first line followed by the content:
//
//	Shopping list
//	eggs
//	milk
//
// A payload without a newline is a note with a title and no content.
package parser

import "strings"

// Result holds the output of parsing a note payload.
type Result struct {
	Title   string
	Content string
}

// Parse splits a plaintext payload into title and content.
func Parse(data []byte) Result {
	s := string(data)
	idx := strings.IndexByte(s, '\n')
	if idx < 0 {
		return Result{Title: strings.TrimSuffix(s, "\r")}
	}
	return Result{
		Title:   strings.TrimSuffix(s[:idx], "\r"),
		Content: s[idx+1:],
	}
}

// Format builds the plaintext payload for a note. Line breaks inside the title
// are folded into spaces so the title always occupies exactly one line.
func Format(title, content string) []byte {
	title = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(title)
	var b strings.Builder
	b.Grow(len(title) + 1 + len(content))
	b.WriteString(title)
	b.WriteByte('\n')
	b.WriteString(content)
	return []byte(b.String())
}

// IsBlank reports whether a note with this title and content is a tombstone.
func IsBlank(title, content string) bool {
	return strings.TrimSpace(title) == "" && strings.TrimSpace(content) == ""
}
