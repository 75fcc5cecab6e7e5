package index

import (
	"reflect"
	"testing"
	"time"
)

func TestSearchTerms(t *testing.T) {
	cases := map[string][]string{
		"pancakes":             {"pancakes"},
		`  "exact phrase" `:    {"exact", "phrase"},
		"title:secret OR body": {"title", "secret", "OR", "body"},
		"***":                  nil,
	}
	for in, want := range cases {
		got := searchTerms(in)
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("searchTerms(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSearchLimit(t *testing.T) {
	if searchLimit(0) != defaultSearchLimit || searchLimit(5) != 5 || searchLimit(1000) != maxSearchLimit {
		t.Error("limit clamping wrong")
	}
}

func TestSearchOperatorsAreLiteral(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	_ = db.UpsertNote(NoteRow{Notebook: "", ID: "a", Title: "Recipes", Checksum: "1", UpdatedAt: now}, "pancakes with syrup")
	_ = db.UpsertNote(NoteRow{Notebook: "", ID: "b", Title: "Shopping", Checksum: "2", UpdatedAt: now}, "syrup only")

	results, err := db.Search(`pancakes "syrup`, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("results = %+v, want only a", results)
	}

	if results, err := db.Search("***", 10); err != nil || len(results) != 0 {
		t.Errorf("empty query = %+v, %v", results, err)
	}
}
