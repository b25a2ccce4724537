// Package events implements the event consumer: a worker that drains
// the pool's lifecycle event stream, optionally notifies a task's
// parent, and logs one structured record per terminal event to the
// finished-procs sink.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/pool"
)

// ParentNotifier delivers a status update for one lifecycle event
// (processing or terminal) of a task to its parent_url. The reference
// implementation ships this code path disabled; Consumer only invokes
// it when constructed with a non-nil notifier.
type ParentNotifier func(ctx context.Context, parentURL string, payload map[string]any) error

// HTTPParentNotifier POSTs payload as JSON to parentURL, mirroring the
// reference's (disabled) "notify parent" intent.
func HTTPParentNotifier(client *http.Client) ParentNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, parentURL string, payload map[string]any) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, parentURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("parent notify: unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

// Consumer drains a pool's event stream, logging terminal events to a
// dedicated sink and optionally notifying parents.
type Consumer struct {
	events   <-chan pool.Event
	sink     *os.File
	notifier ParentNotifier
}

// New constructs a Consumer draining events, logging terminal events to
// sink (see log.OpenSink). notifier may be nil, in which case
// parent_url notification is a no-op, matching the reference.
func New(events <-chan pool.Event, sink *os.File, notifier ParentNotifier) *Consumer {
	return &Consumer{events: events, sink: sink, notifier: notifier}
}

// Run drains events until ctx is canceled or the channel closes.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.events:
			if !ok {
				return
			}
			c.handle(ctx, event)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, event pool.Event) {
	if event.ParentURL != "" && c.notifier != nil {
		payload := map[string]any{"status": event.Status}
		if event.Task != nil {
			payload["id"] = event.Task.ID
		}
		if err := c.notifier(ctx, event.ParentURL, payload); err != nil {
			log.Errorf(fmt.Sprintf("failed to notify parent %s", event.ParentURL), err)
		}
	}

	if event.ToDelete == nil {
		return
	}

	t := event.ToDelete
	record := map[string]any{
		"status":    t.Status,
		"id":        t.ID,
		"pid":       t.PID,
		"priority":  t.Priority,
		"cmd":       t.Cmd,
		"exit_code": t.ExitCode,
		"logged_at": time.Now().Format(time.RFC3339),
	}

	data, err := json.Marshal(record)
	if err != nil {
		log.Errorf("failed to marshal finished-task record", err)
		return
	}

	if c.sink == nil {
		return
	}
	if _, err := c.sink.Write(append(data, '\n')); err != nil {
		log.Errorf("failed to write finished-task record", err)
	}
}
