package registry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type memPrefs struct {
	data  map[string]string
	gets  int
	puts  int
	fails bool
}

func newMemPrefs() *memPrefs { return &memPrefs{data: map[string]string{}} }

func (m *memPrefs) GetPref(key string) (string, bool, error) {
	m.gets++
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memPrefs) PutPref(key, value string) error {
	if m.fails {
		return errors.New("disk full")
	}
	m.puts++
	m.data[key] = value
	return nil
}

func (m *memPrefs) DeletePref(key string) error {
	delete(m.data, key)
	return nil
}

func TestProtectAndUnprotect(t *testing.T) {
	prefs := newMemPrefs()
	r := New(prefs)

	if ok, err := r.IsProtected("work"); err != nil || ok {
		t.Fatalf("IsProtected before = %v, %v", ok, err)
	}
	if err := r.SetProtected("work", "key_a_1"); err != nil {
		t.Fatal(err)
	}
	alias, ok, err := r.KeyAliasFor("work")
	if err != nil || !ok || alias != "key_a_1" {
		t.Fatalf("KeyAliasFor = %q, %v, %v", alias, ok, err)
	}

	// A fresh registry over the same prefs sees the persisted state.
	r2 := New(prefs)
	if ok, _ := r2.IsProtected("work"); !ok {
		t.Error("protection not persisted")
	}

	if err := r.SetUnprotected("work"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.IsProtected("work"); ok {
		t.Error("still protected")
	}
	if prefs.data[PrefKey] != "{}" {
		t.Errorf("stored = %q", prefs.data[PrefKey])
	}
}

func TestLazyLoad(t *testing.T) {
	prefs := newMemPrefs()
	prefs.data[PrefKey] = `{"a":"k1","b":"k2"}`
	r := New(prefs)
	if prefs.gets != 0 {
		t.Fatal("registry read prefs before first use")
	}
	all, err := r.AllProtected()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["b"] != "k2" {
		t.Errorf("all = %v", all)
	}
	_, _ = r.IsProtected("a")
	if prefs.gets != 1 {
		t.Errorf("gets = %d, want 1", prefs.gets)
	}

	// The returned map is a copy.
	all["c"] = "k3"
	if ok, _ := r.IsProtected("c"); ok {
		t.Error("AllProtected leaked internal map")
	}
}

func TestFailedSaveKeepsState(t *testing.T) {
	prefs := newMemPrefs()
	r := New(prefs)
	_ = r.SetProtected("a", "k1")
	prefs.fails = true

	if err := r.SetProtected("b", "k2"); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := r.IsProtected("b"); ok {
		t.Error("in-memory state changed despite failed save")
	}
	if err := r.SetUnprotected("a"); err == nil {
		t.Fatal("expected error")
	}
	if ok, _ := r.IsProtected("a"); !ok {
		t.Error("entry removed despite failed save")
	}
}

func TestRename(t *testing.T) {
	r := New(newMemPrefs())
	_ = r.SetProtected("old", "k")
	if err := r.Rename("old", "new"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.IsProtected("old"); ok {
		t.Error("old entry kept")
	}
	if alias, ok, _ := r.KeyAliasFor("new"); !ok || alias != "k" {
		t.Error("alias not carried over")
	}
}

func TestNewAlias(t *testing.T) {
	a := NewAlias("work", time.UnixMilli(1700000000123))
	if !strings.HasPrefix(a, "key_") || !strings.HasSuffix(a, "_1700000000123") {
		t.Errorf("alias = %q", a)
	}
	if len(a) != len("key_")+16+len("_1700000000123") {
		t.Errorf("alias length = %d", len(a))
	}
	if NewAlias("work", time.UnixMilli(1)) == NewAlias("play", time.UnixMilli(1)) {
		t.Error("aliases collide across notebooks")
	}
}
