package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DatasetState is the persisted form of a replicated dataset: the last
// applied snapshot and the full entry map, written after each
// successful apply so a restarted standby resumes from a known-good
// state.
type DatasetState struct {
	Snapshot Snapshot          `json:"snapshot"`
	Entries  map[string][]byte `json:"entries"`
}

type StateStore struct {
	filePath string
	file     *os.File
}

func NewStateStore(filePath string) *StateStore {
	return &StateStore{
		filePath: filePath,
	}
}

func (s *StateStore) Open() error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	s.file = file

	return nil
}

func (s *StateStore) Close() {
	s.file.Close()
}

// Read returns the persisted state, or found == false if nothing was
// ever written.
func (s *StateStore) Read() (DatasetState, bool, error) {
	var state DatasetState

	info, err := s.file.Stat()
	if err != nil {
		return state, false, fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	if info.Size() == 0 {
		return state, false, nil
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return state, false, fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(s.file)
	if err := d.Decode(&state); err != nil {
		return state, false, fmt.Errorf("cannot read json data from %q: %w",
			s.filePath, err)
	}

	return state, true, nil
}

func (s *StateStore) Write(state DatasetState) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	e := json.NewEncoder(s.file)
	if err := e.Encode(&state); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}
