package parser

import (
	"testing"
)

func TestParse_TitleAndContent(t *testing.T) {
	r := Parse([]byte("Hello\nBody text.\nSecond line\n"))
	if r.Title != "Hello" {
		t.Errorf("title = %q, want %q", r.Title, "Hello")
	}
	if r.Content != "Body text.\nSecond line\n" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestParse_TitleOnly(t *testing.T) {
	r := Parse([]byte("Just a title"))
	if r.Title != "Just a title" || r.Content != "" {
		t.Errorf("got %+v", r)
	}
}

func TestParse_CRLF(t *testing.T) {
	r := Parse([]byte("Windows\r\nbody\r\n"))
	if r.Title != "Windows" {
		t.Errorf("title = %q", r.Title)
	}
	if r.Content != "body\r\n" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestParse_Empty(t *testing.T) {
	r := Parse(nil)
	if r.Title != "" || r.Content != "" {
		t.Errorf("got %+v", r)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	cases := []struct {
		title, content string
	}{
		{"Hello", "world"},
		{"", "content without title"},
		{"title without content", ""},
		{"", ""},
		{"multi", "line\ncontent\n\n"},
	}
	for _, c := range cases {
		r := Parse(Format(c.title, c.content))
		if r.Title != c.title || r.Content != c.content {
			t.Errorf("round trip (%q, %q) got (%q, %q)", c.title, c.content, r.Title, r.Content)
		}
	}
}

func TestFormat_FoldsTitleNewlines(t *testing.T) {
	r := Parse(Format("two\nlines", "body"))
	if r.Title != "two lines" {
		t.Errorf("title = %q", r.Title)
	}
	if r.Content != "body" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestIsBlank(t *testing.T) {
	if !IsBlank("  ", "\n\t") {
		t.Error("whitespace-only note should be blank")
	}
	if IsBlank("x", "") || IsBlank("", "x") {
		t.Error("note with text should not be blank")
	}
}
