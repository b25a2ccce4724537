package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/jsdrews/procpoold/pkg/log"
	"github.com/jsdrews/procpoold/pkg/metrics"
	"github.com/jsdrews/procpoold/pkg/store"
	"github.com/jsdrews/procpoold/pkg/task"
	"github.com/jsdrews/procpoold/pkg/types"
)

// deliverSignal sends the configured signal to pid, tolerating the
// benign race where the supervised child has already exited (§9 OQ5).
func deliverSignal(pid int, sig int) error {
	if err := syscall.Kill(pid, syscall.Signal(sig)); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// response mirrors the reference implementation's envelope:
// {method, output, message}.
type response struct {
	Method  string `json:"method"`
	Output  any    `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Errorf("failed to encode response", err)
	}
}

func decodeBody(r *http.Request, key string, out any) (response, bool) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return response{Message: "no valid JSON body sent - required"}, false
	}

	field, ok := raw[key]
	if !ok {
		return response{Message: key + " key not found in post data or has an empty value"}, false
	}

	if err := json.Unmarshal(field, out); err != nil {
		return response{Message: err.Error()}, false
	}

	return response{}, true
}

// submitRequest mirrors one element of POST tasks_add's "requests"
// array.
type submitRequest struct {
	Cmd       []string          `json:"cmd"`
	Priority  int               `json:"priority,omitempty"`
	Log       string            `json:"log,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	User      string            `json:"user,omitempty"`
	ParentURL string            `json:"parent_url,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var requests []submitRequest
	if resp, ok := decodeBody(r, "requests", &requests); !ok {
		writeJSON(w, http.StatusNotAcceptable, resp)
		return
	}

	var inserted []map[string]any
	for _, req := range requests {
		tk, err := task.Build(s.Store, s.Config.Runtime.Task.FormattableFields, task.BuildParams{
			Cmd:       req.Cmd,
			Priority:  req.Priority,
			Log:       req.Log,
			Env:       req.Env,
			Cwd:       req.Cwd,
			Timeout:   req.Timeout,
			Host:      s.Host,
			User:      req.User,
			ParentURL: req.ParentURL,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, response{
				Method:  "submit",
				Message: err.Error(),
				Output:  inserted,
			})
			return
		}
		inserted = append(inserted, tk.Slim())
		metrics.TasksSubmittedTotal.Inc()
	}

	writeJSON(w, http.StatusOK, response{Method: "submit", Output: inserted})
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	s.listByStatuses(w, r, "running", s.Config.Runtime.Task.States.Running)
}

func (s *Server) handleQueued(w http.ResponseWriter, r *http.Request) {
	s.listByStatuses(w, r, "queued", s.Config.Runtime.Task.States.Queued)
}

func (s *Server) handleByState(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("state")
	if name == "" {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "by_state",
			Message: `add a "state=<state>" argument to the url`,
		})
		return
	}

	statuses, ok := s.namedStateSet(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, response{
			Method:  "by_state",
			Message: "state \"" + name + "\" not found",
		})
		return
	}

	s.listByStatuses(w, r, "by_state", statuses)
}

func (s *Server) namedStateSet(name string) ([]types.Status, bool) {
	switch name {
	case "queued":
		return s.Config.Runtime.Task.States.Queued, true
	case "running":
		return s.Config.Runtime.Task.States.Running, true
	case "in_progress":
		return s.Config.Runtime.Task.States.InProgress, true
	case "complete":
		return s.Config.Runtime.Task.States.Complete, true
	default:
		return nil, false
	}
}

func (s *Server) listByStatuses(w http.ResponseWriter, r *http.Request, method string, statuses []types.Status) {
	values := make([]any, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}

	docs, err := s.Store.Find(task.Collection, store.Query{"status": store.In{Values: values}})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Method: method, Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{Method: method, Output: s.project(r, docs)})
}

func (s *Server) project(r *http.Request, docs []map[string]any) []map[string]any {
	full := r.URL.Query().Has("full")

	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		tk, err := task.FromDoc(s.Store, s.Config.Runtime.Task.FormattableFields, doc)
		if err != nil {
			continue
		}
		if full {
			out = append(out, tk.Full())
		} else {
			out = append(out, tk.Slim())
		}
	}
	return out
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if resp, ok := decodeBody(r, "query", &raw); !ok {
		writeJSON(w, http.StatusNotAcceptable, resp)
		return
	}

	docs, err := s.Store.Find(task.Collection, toStoreQuery(raw))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Method: "query", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{Method: "query", Output: s.project(r, docs)})
}

// toStoreQuery converts a JSON-decoded query document into a
// store.Query, translating {"$in": [...]} sub-objects into store.In,
// mirroring the reference's Mongo-flavored query convention.
func toStoreQuery(raw map[string]any) store.Query {
	q := make(store.Query, len(raw))
	for k, v := range raw {
		if sub, ok := v.(map[string]any); ok {
			if values, ok := sub["$in"].([]any); ok {
				q[k] = store.In{Values: values}
				continue
			}
		}
		q[k] = v
	}
	return q
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var ids map[string]map[string]any
	if resp, ok := decodeBody(r, "ids", &ids); !ok {
		writeJSON(w, http.StatusNotAcceptable, resp)
		return
	}

	var updated []map[string]any
	for id, patch := range ids {
		validID, err := s.Store.ValidateID(id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, response{
				Method:  "bulk_update",
				Message: "invalid id received: \"" + id + "\"",
			})
			return
		}

		doc, ok, err := s.Store.FindOne(task.Collection, store.Query{"id": validID})
		if err != nil || !ok {
			continue
		}

		tk, err := task.FromDoc(s.Store, s.Config.Runtime.Task.FormattableFields, doc)
		if err != nil {
			continue
		}
		applyPatch(tk, patch)

		if err := tk.Commit("", "", ""); err != nil {
			writeJSON(w, http.StatusInternalServerError, response{Method: "bulk_update", Message: err.Error()})
			return
		}

		updated = append(updated, tk.Slim())
	}

	writeJSON(w, http.StatusOK, response{Method: "bulk_update", Output: updated})
}

// applyPatch sets task fields named in patch, mirroring the
// reference's setattr-driven per-task_update. Only fields present on
// the Task struct's JSON shape are honored; any other key is silently
// dropped. Unknown keys are not stored in Extra, and
// runtime.task.extra_fields is not consulted here or by the callers.
func applyPatch(tk *task.Task, patch map[string]any) {
	data, err := json.Marshal(tk.Task)
	if err != nil {
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return
	}
	var rec types.Task
	if err := json.Unmarshal(merged, &rec); err != nil {
		return
	}
	rec.ID = tk.ID
	tk.Task = rec
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tk, ok := s.lookup(id)
	if !ok {
		writeJSON(w, http.StatusOK, response{Method: "get_task", Message: "successful request"})
		return
	}

	var output map[string]any
	if r.URL.Query().Has("full") {
		output = tk.Full()
	} else {
		output = tk.Slim()
	}

	writeJSON(w, http.StatusOK, response{Method: "get_task", Output: output, Message: "successful request"})
}

func (s *Server) lookup(id string) (*task.Task, bool) {
	validID, err := s.Store.ValidateID(id)
	if err != nil {
		return nil, false
	}
	doc, ok, err := s.Store.FindOne(task.Collection, store.Query{"id": validID})
	if err != nil || !ok {
		return nil, false
	}
	tk, err := task.FromDoc(s.Store, s.Config.Runtime.Task.FormattableFields, doc)
	if err != nil {
		return nil, false
	}
	return tk, true
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tk, ok := s.lookup(id)
	w.Header().Set("Content-Type", "text/plain")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("task " + id + " not found at this service -- try another service or double check the id"))
		return
	}

	content, err := os.ReadFile(tk.Log)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("unable to read from log file -- " + err.Error()))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var updateData map[string]any
	if resp, ok := decodeBody(r, "update_data", &updateData); !ok {
		writeJSON(w, http.StatusNotAcceptable, resp)
		return
	}

	tk, ok := s.lookup(id)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "update_task",
			Message: "task \"" + id + "\" does not exist at " + s.Host,
		})
		return
	}

	applyPatch(tk, updateData)
	if err := tk.Commit("", "", ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Method: "update_task", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{Method: "update_task", Output: tk.Slim()})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var actionName string
	if resp, ok := decodeBody(r, "action", &actionName); !ok {
		writeJSON(w, http.StatusNotAcceptable, resp)
		return
	}

	tk, ok := s.lookup(id)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "interact",
			Message: "task \"" + id + "\" does not exist at " + s.Host,
		})
		return
	}

	action, ok := s.Config.Runtime.Task.Actions[actionName]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "interact",
			Message: "action not permitted: " + actionName,
		})
		return
	}

	if tk.Status.Terminal() {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "interact",
			Message: "the task is " + string(tk.Status) + " -- nothing to do here",
		})
		return
	}

	if tk.PID == 0 {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "interact",
			Message: "you can only interact with a running task",
		})
		return
	}

	if err := deliverSignal(tk.PID, action.Signal); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{
			Method:  "interact",
			Message: "unable to " + actionName + " the task: " + err.Error(),
		})
		return
	}

	if err := tk.Commit(action.Status, "action sent to process: \""+actionName+"\"", ""); err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Method: "interact", Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{Method: "interact", Output: tk.Slim(), Message: "action success: " + actionName})
}

func (s *Server) handleHelpStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Method: "help_statuses", Output: s.Config.Runtime.Task.States})
}

func (s *Server) handleHelpComplete(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Method: "help_complete", Output: s.Config.Runtime.Task.States.Complete})
}

func (s *Server) handleHelpInProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Method: "help_in_progress", Output: s.Config.Runtime.Task.States.InProgress})
}

func (s *Server) handleHelpEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Method: "help_endpoints", Output: s.Config.Runtime.App.Endpoints})
}

func (s *Server) handleHelpConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Method: "config", Output: s.Config})
}
