package transition

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/starford/sealbook/internal/index"
)

// JournalKey is the preference key holding in-flight transitions.
const JournalKey = "transition_journal"

// Operation names.
const (
	OpProtect   = "protect"
	OpUnprotect = "unprotect"
)

// Entry records the progress of one notebook transition.
type Entry struct {
	Op        string    `json:"op"`
	Alias     string    `json:"alias"`
	Done      []string  `json:"done"`
	StartedAt time.Time `json:"started_at"`
}

// IsDone reports whether id has been converted.
func (e Entry) IsDone(id string) bool {
	return slices.Contains(e.Done, id)
}

// Journal persists transition progress so an interrupted batch can resume.
type Journal struct {
	prefs index.Prefs
	mu    sync.Mutex
}

// NewJournal creates a Journal over prefs.
func NewJournal(prefs index.Prefs) *Journal {
	return &Journal{prefs: prefs}
}

func (j *Journal) loadLocked() (map[string]Entry, error) {
	raw, ok, err := j.prefs.GetPref(JournalKey)
	if err != nil {
		return nil, fmt.Errorf("transition: load journal: %w", err)
	}
	m := make(map[string]Entry)
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("transition: decode journal: %w", err)
		}
	}
	return m, nil
}

func (j *Journal) saveLocked(m map[string]Entry) error {
	if len(m) == 0 {
		if err := j.prefs.DeletePref(JournalKey); err != nil {
			return fmt.Errorf("transition: clear journal: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("transition: encode journal: %w", err)
	}
	if err := j.prefs.PutPref(JournalKey, string(data)); err != nil {
		return fmt.Errorf("transition: save journal: %w", err)
	}
	return nil
}

// All returns every journal entry.
func (j *Journal) All() (map[string]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadLocked()
	if err != nil {
		return nil, err
	}
	return maps.Clone(m), nil
}

// Get returns the entry of nb.
func (j *Journal) Get(nb string) (Entry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadLocked()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := m[nb]
	return e, ok, nil
}

// Put writes the entry of nb.
func (j *Journal) Put(nb string, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadLocked()
	if err != nil {
		return err
	}
	m[nb] = e
	return j.saveLocked(m)
}

// MarkDone appends id to nb's done list.
func (j *Journal) MarkDone(nb, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadLocked()
	if err != nil {
		return err
	}
	e, ok := m[nb]
	if !ok {
		return fmt.Errorf("transition: no journal entry for %q", nb)
	}
	if !e.IsDone(id) {
		e.Done = append(e.Done, id)
	}
	m[nb] = e
	return j.saveLocked(m)
}

// Clear removes the entry of nb.
func (j *Journal) Clear(nb string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	m, err := j.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := m[nb]; !ok {
		return nil
	}
	delete(m, nb)
	return j.saveLocked(m)
}
