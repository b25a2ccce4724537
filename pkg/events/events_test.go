package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdrews/procpoold/pkg/pool"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

func TestHandleLogsTerminalEventToSink(t *testing.T) {
	dir := t.TempDir()
	sinkPath := filepath.Join(dir, "finished.log")

	sink, err := os.OpenFile(sinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer sink.Close()

	events := make(chan pool.Event, 1)
	c := New(events, sink, nil)

	tk := &task.Task{}
	tk.ID = "abc"
	tk.Status = types.StatusFinished
	tk.ExitCode = 0

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events <- pool.Event{Status: types.StatusFinished, Task: tk, ToDelete: tk}
	close(events)

	c.Run(ctx)

	data, err := os.ReadFile(sinkPath)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &record))
	assert.Equal(t, "abc", record["id"])
	assert.Equal(t, "finished", record["status"])
}

func TestHandleSkipsNonTerminalEvents(t *testing.T) {
	dir := t.TempDir()
	sinkPath := filepath.Join(dir, "finished.log")
	sink, err := os.OpenFile(sinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer sink.Close()

	events := make(chan pool.Event, 1)
	c := New(events, sink, nil)

	tk := &task.Task{}
	tk.ID = "abc"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events <- pool.Event{Status: types.StatusProcessing, Task: tk}
	close(events)

	c.Run(ctx)

	data, err := os.ReadFile(sinkPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestHandleInvokesNotifierWhenParentURLSet(t *testing.T) {
	var gotURL string
	var gotPayload map[string]any

	notifier := ParentNotifier(func(_ context.Context, parentURL string, payload map[string]any) error {
		gotURL = parentURL
		gotPayload = payload
		return nil
	})

	events := make(chan pool.Event, 1)
	c := New(events, nil, notifier)

	tk := &task.Task{}
	tk.ID = "abc"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events <- pool.Event{Status: types.StatusFinished, ParentURL: "http://parent/notify", Task: tk}
	close(events)

	c.Run(ctx)

	assert.Equal(t, "http://parent/notify", gotURL)
	assert.Equal(t, "abc", gotPayload["id"])
}
