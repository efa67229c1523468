// Package configentry holds the structured configuration records that
// integrations are set up from, and persists them in SQLite.
package configentry

import (
	"errors"
	"time"
)

// Source records how an entry was created.
type Source string

const (
	// SourceUser is an entry created through the interactive config flow.
	SourceUser Source = "user"
	// SourceImport is an entry migrated from legacy YAML configuration.
	SourceImport Source = "import"
)

// State is the runtime lifecycle state of an entry. It is not persisted.
type State string

const (
	StateNotLoaded    State = "not_loaded"
	StateSetupPending State = "setup_in_progress"
	StateLoaded       State = "loaded"
	StateSetupError   State = "setup_error"
	StateSetupRetry   State = "setup_retry"
)

var (
	// ErrNotFound is returned for an unknown entry id.
	ErrNotFound = errors.New("config entry not found")

	// ErrDuplicateUniqueID is returned when adding a second entry with the
	// same domain and unique id.
	ErrDuplicateUniqueID = errors.New("config entry with this unique id already exists")
)

// Entry is one configured integration instance.
type Entry struct {
	EntryID   string            `json:"entry_id"`
	Domain    string            `json:"domain"`
	Title     string            `json:"title"`
	Data      map[string]string `json:"data"`
	UniqueID  string            `json:"unique_id,omitempty"`
	Source    Source            `json:"source"`
	State     State             `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}

// clone returns a copy that does not share Data with e.
func (e Entry) clone() Entry {
	data := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}
