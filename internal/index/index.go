package index

// Prefs is the key/value preference store. The protection registry and the
// transition journal each own one key.
type Prefs interface {
	GetPref(key string) (string, bool, error)
	PutPref(key, value string) error
	DeletePref(key string) error
}

// NoteIndex defines the interface for note indexing operations.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type NoteIndex interface {
	UpsertNote(n NoteRow, body string) error
	DeleteNote(nb, id string) error
	DeleteNotebook(nb string) error
	GetChecksum(nb, id string) (string, error)
	GetNote(nb, id string) (*NoteRow, error)
	Search(query string, limit int) ([]SearchResult, error)
	AllChecksums() (map[NoteKey]string, error)
	IndexFile(nb, id string, raw []byte, protected bool, opts ...FileOption) error
	Close() error
}

// Verify *DB satisfies NoteIndex and Prefs at compile time.
var (
	_ NoteIndex = (*DB)(nil)
	_ Prefs     = (*DB)(nil)
)
