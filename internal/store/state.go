package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"tunfleet/internal/model"
)

// State persists the proxy pool, which device uses which proxy and the
// kill switch requests across restarts.
type State struct {
	UpdatedAt   time.Time         `yaml:"updated_at"`
	Pool        []PoolEntry       `yaml:"pool"`
	Assignments map[string]string `yaml:"assignments"`
	KillSwitch  []string          `yaml:"kill_switch,omitempty"`
}

// PoolEntry is one proxy the fleet may be assigned to.
type PoolEntry struct {
	ID       string `yaml:"id"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	AlwaysOn bool   `yaml:"always_on"`
}

func (p PoolEntry) Endpoint() model.ProxyEndpoint {
	return model.ProxyEndpoint{Server: p.Server, Port: p.Port, Username: p.Username, Password: p.Password}
}

// LoadState loads the state from disk. If the file is missing, returns an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Assignments: map[string]string{}}, nil
		}
		return nil, err
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.Assignments == nil {
		st.Assignments = map[string]string{}
	}
	return &st, nil
}

// SaveState writes the state atomically. The file holds proxy passwords and
// is created owner-only.
func SaveState(path string, st *State) error {
	if st == nil {
		return nil
	}
	st.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Proxy looks up a pool entry by ID.
func (s *State) Proxy(id string) (PoolEntry, bool) {
	for _, p := range s.Pool {
		if p.ID == id {
			return p, true
		}
	}
	return PoolEntry{}, false
}

// Upsert adds p to the pool or replaces the entry with the same ID.
func (s *State) Upsert(p PoolEntry) {
	for i := range s.Pool {
		if s.Pool[i].ID == p.ID {
			s.Pool[i] = p
			return
		}
	}
	s.Pool = append(s.Pool, p)
}

// RemoveProxy drops a pool entry and every assignment to it.
func (s *State) RemoveProxy(id string) bool {
	for i := range s.Pool {
		if s.Pool[i].ID != id {
			continue
		}
		s.Pool = append(s.Pool[:i], s.Pool[i+1:]...)
		for dev, pid := range s.Assignments {
			if pid == id {
				delete(s.Assignments, dev)
			}
		}
		return true
	}
	return false
}

// MergeEndpoints adds endpoints not yet in the pool, keyed by server:port,
// and refreshes credentials of those already present. It returns the
// number of new entries.
func (s *State) MergeEndpoints(eps []model.ProxyEndpoint) int {
	added := 0
	for _, ep := range eps {
		id := ep.Addr()
		if cur, ok := s.Proxy(id); ok {
			cur.Username, cur.Password = ep.Username, ep.Password
			s.Upsert(cur)
			continue
		}
		s.Pool = append(s.Pool, PoolEntry{
			ID:       id,
			Server:   ep.Server,
			Port:     ep.Port,
			Username: ep.Username,
			Password: ep.Password,
		})
		added++
	}
	return added
}

// Assign points device at proxy id.
func (s *State) Assign(device, id string) error {
	if _, ok := s.Proxy(id); !ok {
		return fmt.Errorf("unknown proxy %q", id)
	}
	if s.Assignments == nil {
		s.Assignments = map[string]string{}
	}
	s.Assignments[device] = id
	return nil
}

func (s *State) Unassign(device string) {
	delete(s.Assignments, device)
}

// Endpoint returns the endpoint assigned to device.
func (s *State) Endpoint(device string) (model.ProxyEndpoint, bool) {
	id, ok := s.Assignments[device]
	if !ok {
		return model.ProxyEndpoint{}, false
	}
	p, ok := s.Proxy(id)
	if !ok {
		return model.ProxyEndpoint{}, false
	}
	return p.Endpoint(), true
}

// SetAlwaysOn flags a pool entry for automatic reconnects.
func (s *State) SetAlwaysOn(id string, on bool) error {
	for i := range s.Pool {
		if s.Pool[i].ID == id {
			s.Pool[i].AlwaysOn = on
			return nil
		}
	}
	return fmt.Errorf("unknown proxy %q", id)
}

// SetKillSwitch records or clears a kill switch request for device.
func (s *State) SetKillSwitch(device string, on bool) {
	kept := s.KillSwitch[:0]
	for _, d := range s.KillSwitch {
		if d != device {
			kept = append(kept, d)
		}
	}
	if on {
		kept = append(kept, device)
	}
	sort.Strings(kept)
	s.KillSwitch = kept
}

// AlwaysOn returns device to endpoint for every assignment whose proxy is
// flagged always-on.
func (s *State) AlwaysOn() map[string]model.ProxyEndpoint {
	out := make(map[string]model.ProxyEndpoint)
	for dev, id := range s.Assignments {
		p, ok := s.Proxy(id)
		if !ok || !p.AlwaysOn {
			continue
		}
		out[dev] = p.Endpoint()
	}
	return out
}

// AlwaysOnRegistrar is the part of the manager RestoreAlwaysOn drives.
type AlwaysOnRegistrar interface {
	SetAlwaysOn(name string, ep *model.ProxyEndpoint)
}

// RestoreAlwaysOn re-registers every always-on assignment and returns the
// device names, sorted.
func RestoreAlwaysOn(s *State, r AlwaysOnRegistrar) []string {
	if s == nil {
		return nil
	}
	eps := s.AlwaysOn()
	names := make([]string, 0, len(eps))
	for name, ep := range eps {
		if ep.Port == 0 {
			ep.Port = 1337
		}
		r.SetAlwaysOn(name, &ep)
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextID returns a numeric pool ID not yet in use.
func (s *State) NextID() string {
	max := 0
	for _, p := range s.Pool {
		if n, err := strconv.Atoi(p.ID); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}
