// Package store defines the durable document-store contract the task
// engine is built against, and a BoltDB-backed adapter that satisfies
// it. Any store supporting by-id lookup, query-by-field, sorted
// first-match, insert/update/remove is an acceptable substitute for the
// reference implementation's MongoDB collection.
package store

import "fmt"

// UserFault is a malformed-input error from outside the system: a bad
// id, a query the caller sent garbage for. It never crashes the daemon
// and maps to an HTTP 4xx/5xx with a human message.
type UserFault struct {
	Msg string
}

func (e *UserFault) Error() string { return e.Msg }

// NewUserFault builds a UserFault with a formatted message.
func NewUserFault(format string, args ...any) error {
	return &UserFault{Msg: fmt.Sprintf(format, args...)}
}

// ApplicationFault is an internal error: the store rejected a write, or
// an invariant was violated. Logged and surfaced as a 500.
type ApplicationFault struct {
	Msg string
	Err error
}

func (e *ApplicationFault) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ApplicationFault) Unwrap() error { return e.Err }

// NewApplicationFault wraps a lower-level error as an ApplicationFault.
func NewApplicationFault(msg string, err error) error {
	return &ApplicationFault{Msg: msg, Err: err}
}

// In matches a field against a set of candidate values, mirroring the
// reference query convention {"status": {"$in": [...]}}.
type In struct {
	Values []any
}

// Query is a predicate document: each key names a field, and the value
// is either a scalar (equality) or an In (membership). Unknown document
// fields referenced by a query key simply never match.
type Query map[string]any

// Matches reports whether doc (a JSON-decoded field map) satisfies q.
func (q Query) Matches(doc map[string]any) bool {
	for key, want := range q {
		got, ok := doc[key]
		switch w := want.(type) {
		case In:
			if !ok || !containsAny(w.Values, got) {
				return false
			}
		default:
			if !ok || !equalJSON(got, want) {
				return false
			}
		}
	}
	return true
}

func containsAny(values []any, got any) bool {
	for _, v := range values {
		if equalJSON(got, v) {
			return true
		}
	}
	return false
}

// equalJSON compares two values as they would appear after a JSON
// round-trip (so string(Status) vs string compare cleanly).
func equalJSON(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// Store is the adapter contract: six document operations (insert,
// find, find_one, next (sorted first match), update_one, remove),
// scoped to a named collection, plus id validation and Close.
type Store interface {
	// Insert assigns a new id to doc and persists it, returning the id.
	Insert(collection string, doc map[string]any) (string, error)

	// Find returns every document in collection matching q.
	Find(collection string, q Query) ([]map[string]any, error)

	// FindOne returns the first document matching q, or ok=false.
	FindOne(collection string, q Query) (doc map[string]any, ok bool, err error)

	// Next returns the single document matching q with the smallest
	// value of sortBy (see SPEC_FULL.md §9 OQ1 for why "smallest" was
	// chosen over a literal "greatest" reading), or ok=false if none
	// match. Ties are broken arbitrarily by the store.
	Next(collection string, q Query, sortBy string) (doc map[string]any, ok bool, err error)

	// UpdateOne replaces the document at id with doc in full.
	UpdateOne(collection string, id string, doc map[string]any) error

	// Remove deletes every document matching q, returning the count
	// removed.
	Remove(collection string, q Query) (int, error)

	// ValidateID parses id into the store's opaque id representation,
	// returning a UserFault if id is not well-formed.
	ValidateID(id string) (string, error)

	// Close releases any resources held by the store.
	Close() error
}
