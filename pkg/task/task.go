// Package task implements the Task record lifecycle on top of a
// store.Store: building new tasks (with field interpolation), committing
// status transitions, and projecting full/slim views for the HTTP
// facade.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/types"
)

// Collection is the store collection tasks are persisted under.
const Collection = "tasks"

// DefaultPriority mirrors the reference build(..., priority=100, ...)
// default.
const DefaultPriority = 100

// DefaultFormattableFields lists the fields interpolation applies to
// when runtime.task.formattable_fields is not configured.
var DefaultFormattableFields = []string{"cmd", "log"}

// Task wraps the persisted record with the store handle needed to
// commit further changes, and the set of fields field interpolation
// applies to.
type Task struct {
	types.Task

	store       store.Store
	formattable []string
}

// BuildParams carries the arguments accepted by Build, mirroring the
// reference implementation's build(cmd, priority, log, env, cwd,
// timeout, host, user, parent_url) signature. Priority of zero means
// "not supplied" and resolves to DefaultPriority.
type BuildParams struct {
	Cmd       []string
	Priority  int
	Log       string
	Env       map[string]string
	Cwd       string
	Timeout   int
	Host      string
	User      string
	ParentURL string
}

// Build validates p, interpolates formattable fields, creates the log
// directory if needed, and inserts a new queued task into st.
// formattableFields is the runtime.task.formattable_fields config
// value; nil falls back to DefaultFormattableFields.
func Build(st store.Store, formattableFields []string, p BuildParams) (*Task, error) {
	if len(p.Cmd) == 0 {
		return nil, store.NewUserFault("cmd must be a non-empty list of strings")
	}
	for i, arg := range p.Cmd {
		if arg == "" {
			return nil, store.NewUserFault("cmd[%d] must be a non-empty string", i)
		}
	}

	priority := p.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	if formattableFields == nil {
		formattableFields = DefaultFormattableFields
	}

	now := time.Now()
	t := &Task{
		Task: types.Task{
			Cmd:       append([]string(nil), p.Cmd...),
			Env:       p.Env,
			Cwd:       p.Cwd,
			Log:       p.Log,
			Priority:  priority,
			Timeout:   p.Timeout,
			Status:    types.StatusQueued,
			ExitCode:  types.ExitCodeUnset,
			Host:      p.Host,
			User:      p.User,
			ParentURL: p.ParentURL,
			InitTime:  now.Format(types.TimeFormat),
			UpdatedAt: now.Format(types.TimeFormat),
		},
		store:       st,
		formattable: formattableFields,
	}

	name, err := randomToken()
	if err != nil {
		return nil, store.NewApplicationFault("failed to generate task name token", err)
	}

	if err := t.interpolate(name, now); err != nil {
		return nil, err
	}

	if t.Log != "" {
		if err := os.MkdirAll(filepath.Dir(t.Log), 0755); err != nil {
			return nil, store.NewApplicationFault("failed to create log directory", err)
		}
	}

	t.Notes = append(t.Notes, types.Note{
		Text:      "task created",
		Timestamp: t.InitTime,
		User:      p.User,
	})

	id, err := st.Insert(Collection, t.toDoc())
	if err != nil {
		return nil, err
	}
	t.ID = id

	return t, nil
}

// FromDoc rehydrates a Task from a document already retrieved from st
// (e.g. by the dispatcher or the HTTP facade), wiring it back to st so
// further Commit/AddNote calls persist.
func FromDoc(st store.Store, formattableFields []string, doc map[string]any) (*Task, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, store.NewApplicationFault("failed to marshal task document", err)
	}

	var rec types.Task
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, store.NewApplicationFault("failed to decode task document", err)
	}

	if formattableFields == nil {
		formattableFields = DefaultFormattableFields
	}

	return &Task{Task: rec, store: st, formattable: formattableFields}, nil
}

// Commit refreshes updated_at, optionally appends a note, optionally
// transitions status, and persists the full record (inserting if the
// task has not yet been given an id).
func (t *Task) Commit(status types.Status, note string, user string) error {
	t.UpdatedAt = time.Now().Format(types.TimeFormat)

	if status != "" {
		t.Status = status
	}
	if note != "" {
		t.AddNote(note, user)
	}

	if t.ID == "" {
		id, err := t.store.Insert(Collection, t.toDoc())
		if err != nil {
			return err
		}
		t.ID = id
		return nil
	}

	return t.store.UpdateOne(Collection, t.ID, t.toDoc())
}

// AddNote appends a timestamped annotation without persisting it;
// callers typically follow with Commit.
func (t *Task) AddNote(text string, user string) {
	t.Notes = append(t.Notes, types.Note{
		Text:      text,
		Timestamp: time.Now().Format(types.TimeFormat),
		User:      user,
	})
}

// Full returns the complete document plus a derived url field.
func (t *Task) Full() map[string]any {
	doc := t.toDoc()
	doc["url"] = t.url()
	return doc
}

// Slim returns the compact projection used by list endpoints.
func (t *Task) Slim() map[string]any {
	return map[string]any{
		"id":         t.ID,
		"cmd":        t.Cmd,
		"priority":   t.Priority,
		"status":     t.Status,
		"url":        t.url(),
		"parent_url": t.ParentURL,
		"notes":      t.Notes,
		"user":       t.User,
		"exit_code":  t.ExitCode,
	}
}

func (t *Task) url() string {
	return t.Host + "proc_pool/task/" + t.ID
}

func (t *Task) toDoc() map[string]any {
	data, _ := json.Marshal(t.Task)
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)
	return doc
}

// Less reports whether t sorts before other in priority-queue order:
// lower numeric priority is "greater" (pops first). Equal priorities
// compare as equal — FIFO tie-break is the queue's responsibility, not
// this ordering contract's.
func Less(t, other *Task) bool {
	return t.Priority < other.Priority
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// interpolate substitutes {key} placeholders in every formattable field
// using a namespace of name, date, and every field of the task.
func (t *Task) interpolate(name string, now time.Time) error {
	namespace := t.toDoc()
	namespace["name"] = name
	namespace["date"] = now.Format(types.DateFormat)

	for _, field := range t.formattable {
		switch field {
		case "cmd":
			for i, arg := range t.Cmd {
				resolved, err := substitute(arg, namespace)
				if err != nil {
					return store.NewUserFault("cmd[%d]: %v", i, err)
				}
				t.Cmd[i] = resolved
			}
		case "log":
			if t.Log == "" {
				continue
			}
			resolved, err := substitute(t.Log, namespace)
			if err != nil {
				return store.NewUserFault("log: %v", err)
			}
			t.Log = resolved
		default:
			if t.Extra == nil {
				continue
			}
			raw, ok := t.Extra[field].(string)
			if !ok {
				continue
			}
			resolved, err := substitute(raw, namespace)
			if err != nil {
				return store.NewUserFault("%s: %v", field, err)
			}
			t.Extra[field] = resolved
		}
	}

	return nil
}

// substitute performs a single pass of {key} replacement against
// namespace; any placeholder left unresolved is an error.
func substitute(s string, namespace map[string]any) (string, error) {
	var missing []string

	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		val, ok := namespace[key]
		if !ok || val == nil {
			missing = append(missing, key)
			return match
		}
		return fmt.Sprintf("%v", val)
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholder(s): %s", strings.Join(missing, ", "))
	}

	return result, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
