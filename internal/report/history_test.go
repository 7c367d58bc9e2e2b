package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_RoundTrip(t *testing.T) {
	s := NewDiskStore(t.TempDir(), 0)
	rr := sampleRun()
	require.NoError(t, s.Save(rr))

	got, err := s.Load(rr.ID)
	require.NoError(t, err)
	assert.Equal(t, rr.Tasks, got.Tasks)
	assert.Equal(t, rr.Pool, got.Pool)

	// A second store on the same directory sees the run.
	other := NewDiskStore(s.Dir, 0)
	_, err = other.Load(rr.ID)
	require.NoError(t, err)
}

func TestDiskStore_TempDir(t *testing.T) {
	s := NewDiskStore("", 0)
	require.NoError(t, s.Save(sampleRun()))
	t.Cleanup(func() { _ = os.RemoveAll(s.Dir) })
	assert.NotEmpty(t, s.Dir)

	_, err := s.Load("run-1")
	require.NoError(t, err)
}

func TestDiskStore_Missing(t *testing.T) {
	s := NewDiskStore(t.TempDir(), 0)
	_, err := s.Load("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run nope not found")
}

func TestDiskStore_RejectsPathIDs(t *testing.T) {
	s := NewDiskStore(t.TempDir(), 0)
	for _, id := range []string{"", "..", "../etc/passwd", `a\b`} {
		_, err := s.Load(id)
		assert.Error(t, err, id)
		assert.Error(t, s.Save(&RunResult{ID: id}), id)
	}
}

// saveAt saves a run and backdates its file so ordering does not depend
// on filesystem timestamp resolution.
func saveAt(t *testing.T, s *DiskStore, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.Save(&RunResult{ID: id}))
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir, id+".json"), when, when))
}

func TestDiskStore_LatestAndPrune(t *testing.T) {
	s := NewDiskStore(t.TempDir(), 0)
	_, err := s.Latest()
	assert.ErrorIs(t, err, ErrNoRuns)

	saveAt(t, s, "old", 3*time.Hour)
	saveAt(t, s, "mid", 2*time.Hour)
	saveAt(t, s, "new", time.Hour)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	s.Keep = 2
	saveAt(t, s, "newest", 0)

	_, err = s.Load("old")
	assert.Error(t, err, "only the two newest runs are kept")
	_, err = s.Load("mid")
	assert.Error(t, err, "only the two newest runs are kept")
	for _, id := range []string{"new", "newest"} {
		_, err := s.Load(id)
		assert.NoError(t, err, id)
	}
}

// countingStore records backing-store loads.
type countingStore struct {
	data  map[string]*RunResult
	loads int
}

func (c *countingStore) Save(r *RunResult) error {
	c.data[r.ID] = r
	return nil
}

func (c *countingStore) Load(id string) (*RunResult, error) {
	c.loads++
	r, ok := c.data[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func TestLRUStore_Eviction(t *testing.T) {
	back := &countingStore{data: make(map[string]*RunResult)}
	s := NewLRUStore(2, back)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(&RunResult{ID: id}))
	}

	// "a" was evicted and has to come from the backing store.
	_, err := s.Load("a")
	require.NoError(t, err)
	assert.Equal(t, 1, back.loads)

	// "c" is still cached.
	_, err = s.Load("c")
	require.NoError(t, err)
	assert.Equal(t, 1, back.loads)

	// Loading "a" evicted "b".
	_, err = s.Load("b")
	require.NoError(t, err)
	assert.Equal(t, 2, back.loads)
}

func TestLRUStore_MissPropagatesError(t *testing.T) {
	s := NewLRUStore(1, &countingStore{data: make(map[string]*RunResult)})
	_, err := s.Load("missing")
	assert.Error(t, err)
}
