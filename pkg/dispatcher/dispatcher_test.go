package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	seq  int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]map[string]any)}
}

func (s *memStore) Insert(_ string, doc map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := "id-" + string(rune('a'+s.seq))
	cp := clone(doc)
	cp["id"] = id
	s.docs[id] = cp
	return id, nil
}

func (s *memStore) Find(_ string, q store.Query) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, d := range s.docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) FindOne(c string, q store.Query) (map[string]any, bool, error) {
	docs, err := s.Find(c, q)
	if err != nil || len(docs) == 0 {
		return nil, false, err
	}
	return docs[0], true, nil
}

func (s *memStore) Next(c string, q store.Query, sortBy string) (map[string]any, bool, error) {
	docs, err := s.Find(c, q)
	if err != nil || len(docs) == 0 {
		return nil, false, err
	}
	best := docs[0]
	bestVal := toFloat(best[sortBy])
	for _, d := range docs[1:] {
		if v := toFloat(d[sortBy]); v < bestVal {
			best, bestVal = d, v
		}
	}
	return best, true, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func (s *memStore) UpdateOne(_ string, id string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clone(doc)
	cp["id"] = id
	s.docs[id] = cp
	return nil
}

func (s *memStore) Remove(_ string, q store.Query) (int, error) { return 0, nil }
func (s *memStore) ValidateID(id string) (string, error)        { return id, nil }
func (s *memStore) Close() error                                { return nil }

func clone(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func TestNextFetchesSmallestPriorityQueuedTask(t *testing.T) {
	st := newMemStore()
	_, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "low"}, Priority: 100})
	require.NoError(t, err)
	high, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "high"}, Priority: 1})
	require.NoError(t, err)

	d := New(st, nil, "http://host/")

	got, err := d.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)
	assert.Equal(t, types.StatusFetched, got.Status)
}

func TestNextReturnsNilWhenNoneQueued(t *testing.T) {
	st := newMemStore()
	d := New(st, nil, "http://host/")

	got, err := d.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStartupRecoversInProgressTasksOnly(t *testing.T) {
	st := newMemStore()
	queued, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "queued"}})
	require.NoError(t, err)
	_ = queued

	processing, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "processing"}})
	require.NoError(t, err)
	require.NoError(t, processing.Commit(types.StatusProcessing, "", ""))

	fetched, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "fetched"}})
	require.NoError(t, err)
	require.NoError(t, fetched.Commit(types.StatusFetched, "", ""))

	finished, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"echo", "finished"}})
	require.NoError(t, err)
	require.NoError(t, finished.Commit(types.StatusFinished, "", ""))

	d := New(st, nil, "http://host/")
	recovered, err := d.Startup(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, r := range recovered {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{processing.ID, fetched.ID}, ids)
}
