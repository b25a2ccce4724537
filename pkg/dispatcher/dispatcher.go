// Package dispatcher provides the default pool.StartupFunc and
// pool.NextTaskFunc implementations: recovering in-progress tasks on
// boot, and fetching the next queued task by priority.
package dispatcher

import (
	"context"

	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

// Dispatcher wires the pool's startup and next-task callbacks to a
// store, the config-driven formattable field list, and this host's
// identity (recorded on every fetched task).
type Dispatcher struct {
	Store             store.Store
	FormattableFields []string
	Host              string
}

// New returns a Dispatcher backed by st.
func New(st store.Store, formattableFields []string, host string) *Dispatcher {
	return &Dispatcher{Store: st, FormattableFields: formattableFields, Host: host}
}

// Startup implements pool.StartupFunc: every task whose persisted
// status is in-progress (fetched or processing) is returned for
// re-launch (§9 OQ3 — recovery re-launches rather than marking errored).
func (d *Dispatcher) Startup(_ context.Context) ([]*task.Task, error) {
	docs, err := d.Store.Find(task.Collection, store.Query{
		"status": store.In{Values: []any{string(types.StatusFetched), string(types.StatusProcessing)}},
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := task.FromDoc(d.Store, d.FormattableFields, doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// Next implements pool.NextTaskFunc: fetches the queued task with the
// smallest priority value (§9 OQ1 — store and heap agree on "smaller is
// higher priority") and transitions it to fetched.
func (d *Dispatcher) Next(_ context.Context) (*task.Task, error) {
	doc, ok, err := d.Store.Next(task.Collection, store.Query{
		"status": string(types.StatusQueued),
	}, "priority")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	t, err := task.FromDoc(d.Store, d.FormattableFields, doc)
	if err != nil {
		return nil, err
	}

	t.Host = d.Host
	if err := t.Commit(types.StatusFetched, "fetched by dispatcher", "system"); err != nil {
		return nil, err
	}

	return t, nil
}
