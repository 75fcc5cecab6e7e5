package lockstate

import "sort"

// CacheEdit stores a decrypted edit of note id in nb's session and marks it
// dirty until MarkFlushed.
func (m *Machine) CacheEdit(nb, id, content, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return err
	}
	s.cache[id] = Draft{ID: id, Title: title, Content: content, Dirty: true}
	return nil
}

// Remember caches a clean decrypted copy of a note, keeping any dirty edit.
func (m *Machine) Remember(nb, id, content, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return err
	}
	if d, ok := s.cache[id]; ok && d.Dirty {
		return nil
	}
	s.cache[id] = Draft{ID: id, Title: title, Content: content}
	return nil
}

// Cached returns the cached copy of note id.
func (m *Machine) Cached(nb, id string) (Draft, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return Draft{}, false, err
	}
	d, ok := s.cache[id]
	return d, ok, nil
}

// PendingEdits returns the dirty drafts of nb sorted by id.
func (m *Machine) PendingEdits(nb string) ([]Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return nil, err
	}
	var out []Draft
	for _, d := range s.cache {
		if d.Dirty {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkFlushed clears the dirty flag of ids.
func (m *Machine) MarkFlushed(nb string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(nb)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if d, ok := s.cache[id]; ok {
			d.Dirty = false
			s.cache[id] = d
		}
	}
	return nil
}

// Forget drops ids from nb's cache. It is a no-op without a session.
func (m *Machine) Forget(nb string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[nb]; ok && e.session != nil {
		for _, id := range ids {
			delete(e.session.cache, id)
		}
	}
}
