package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

// memStore is a minimal in-memory store.Store for pool tests.
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
	id := "id-" + itoa(s.seq)
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
	return nil, false, nil
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

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func TestLaunchReleasesSlotOnCompletion(t *testing.T) {
	st := newMemStore()
	tk, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"/bin/echo", "hi"}})
	require.NoError(t, err)

	p := New(1)
	<-p.slotGate // simulate the dispatcher having already acquired the slot

	done := make(chan struct{})
	go func() {
		p.Launch(context.Background(), tk)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Launch did not complete")
	}

	assert.Equal(t, types.StatusFinished, tk.Status)
	assert.Equal(t, 1, len(p.slotGate)) // token returned to the gate
	assert.Equal(t, 0, p.RunningCount())
}

func TestLaunchEmitsProcessingThenTerminalEvent(t *testing.T) {
	st := newMemStore()
	tk, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"/bin/echo", "hi"}})
	require.NoError(t, err)

	p := New(1)
	<-p.slotGate

	go p.Launch(context.Background(), tk)

	first := <-p.Events()
	assert.Equal(t, types.StatusProcessing, first.Status)
	assert.Nil(t, first.ToDelete)

	second := <-p.Events()
	assert.Equal(t, types.StatusFinished, second.Status)
	assert.NotNil(t, second.ToDelete)
}

func TestStartRecoversInProgressTasksBeforeSteadyState(t *testing.T) {
	st := newMemStore()
	recovered, err := task.Build(st, nil, task.BuildParams{Cmd: []string{"/bin/echo", "recovered"}})
	require.NoError(t, err)
	require.NoError(t, recovered.Commit(types.StatusProcessing, "", ""))

	p := New(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startup := func(ctx context.Context) ([]*task.Task, error) {
		return []*task.Task{recovered}, nil
	}
	next := func(ctx context.Context) (*task.Task, error) {
		return nil, nil
	}

	p.Start(ctx, startup, next)

	processing := <-p.Events()
	assert.Equal(t, types.StatusProcessing, processing.Status)
	assert.Equal(t, recovered.ID, processing.Task.ID)

	terminal := <-p.Events()
	assert.True(t, terminal.Status.Terminal())
}
