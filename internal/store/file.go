package store

import (
	"sync"

	"tunfleet/internal/model"
)

// File serializes load-modify-save cycles on one state file.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Load returns the current state. A missing file yields an empty state.
func (f *File) Load() (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LoadState(f.path)
}

// Update applies fn to the current state and saves it when fn succeeds.
func (f *File) Update(fn func(*State) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := LoadState(f.path)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return SaveState(f.path, st)
}

// AssignEndpoint adds ep to the pool when missing and points device at it.
// It returns the pool ID.
func (s *State) AssignEndpoint(device string, ep model.ProxyEndpoint) string {
	s.MergeEndpoints([]model.ProxyEndpoint{ep})
	id := ep.Addr()
	_ = s.Assign(device, id)
	return id
}
