package lockstate

import "time"

// State is the lock state of one notebook.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
	Error
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event kinds.
const (
	KindState      = "state"
	KindBackground = "background"
	KindForeground = "foreground"
)

// Event describes a state change or a lifecycle notification.
type Event struct {
	Kind     string    `json:"kind"`
	Notebook string    `json:"notebook,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Draft is a cached decrypted note.
type Draft struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Dirty   bool   `json:"dirty"`
}

// Status is a snapshot of one notebook's lock state.
type Status struct {
	Notebook  string `json:"notebook"`
	Protected bool   `json:"protected"`
	State     State  `json:"state"`
	Pending   int    `json:"pending_edits"`
	LastError string `json:"last_error,omitempty"`
}
