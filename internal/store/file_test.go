package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tunfleet/internal/model"
)

func TestFileUpdate(t *testing.T) {
	t.Parallel()

	f := NewFile(filepath.Join(t.TempDir(), "state.yaml"))
	ep := model.ProxyEndpoint{Server: "203.0.113.9", Port: 1337, Username: "u", Password: "p"}

	require.NoError(t, f.Update(func(s *State) error {
		id := s.AssignEndpoint("pixel-1", ep)
		require.Equal(t, "203.0.113.9:1337", id)
		return s.SetAlwaysOn(id, true)
	}))

	st, err := f.Load()
	require.NoError(t, err)
	got, ok := st.Endpoint("pixel-1")
	require.True(t, ok)
	require.Equal(t, ep, got)
	require.Contains(t, st.AlwaysOn(), "pixel-1")
	require.False(t, st.UpdatedAt.IsZero())
}

func TestFileUpdateErrorSkipsSave(t *testing.T) {
	t.Parallel()

	f := NewFile(filepath.Join(t.TempDir(), "state.yaml"))
	boom := errors.New("boom")
	err := f.Update(func(s *State) error {
		s.SetKillSwitch("pixel-1", true)
		return boom
	})
	require.ErrorIs(t, err, boom)

	st, err := f.Load()
	require.NoError(t, err)
	require.Empty(t, st.KillSwitch)
}

func TestFileUpdateConcurrent(t *testing.T) {
	t.Parallel()

	f := NewFile(filepath.Join(t.TempDir(), "state.yaml"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep := model.ProxyEndpoint{Server: "203.0.113.9", Port: 2000 + i}
			_ = f.Update(func(s *State) error {
				s.AssignEndpoint(ep.Addr(), ep)
				return nil
			})
		}(i)
	}
	wg.Wait()

	st, err := f.Load()
	require.NoError(t, err)
	require.Len(t, st.Pool, 8)
	require.Len(t, st.Assignments, 8)
}
