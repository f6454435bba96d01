// Package registry maps subscription subjects (vehicle IDs, route IDs) to the
// connection IDs interested in them, and back. The tracking service runs two
// independent instances: one keyed by vehicle ID for telemetry fan-out and one
// keyed by route ID for trip events. Both directions are kept under a single
// mutex so a pair is always present in both indices or in neither.
package registry

import "sync"

// Registry is a bidirectional subject↔connection index.
// All methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex
	// subject ID → set of connection IDs
	bySubject map[string]map[string]struct{}
	// connection ID → set of subject IDs
	byConn map[string]map[string]struct{}
}

// Stats is a point-in-time snapshot of registry size.
type Stats struct {
	SubjectCount      int            `json:"subject_count"`
	ConnectionCount   int            `json:"connection_count"`
	SubscriptionCount int            `json:"subscription_count"`
	PerSubject        map[string]int `json:"per_subject"`
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		bySubject: make(map[string]map[string]struct{}),
		byConn:    make(map[string]map[string]struct{}),
	}
}

// Subscribe records that connID wants updates about subjectID.
// Returns true if the pair is new, false if it already existed (idempotent).
func (r *Registry) Subscribe(subjectID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.bySubject[subjectID]
	if !ok {
		conns = make(map[string]struct{})
		r.bySubject[subjectID] = conns
	}
	if _, exists := conns[connID]; exists {
		return false
	}
	conns[connID] = struct{}{}

	subjects, ok := r.byConn[connID]
	if !ok {
		subjects = make(map[string]struct{})
		r.byConn[connID] = subjects
	}
	subjects[subjectID] = struct{}{}
	return true
}

// Unsubscribe removes the (subjectID, connID) pair.
// Returns true if the pair existed. A subject left with no connections is
// deleted from the subject index so churn never grows the map.
func (r *Registry) Unsubscribe(subjectID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(subjectID, connID)
}

func (r *Registry) unsubscribeLocked(subjectID, connID string) bool {
	conns, ok := r.bySubject[subjectID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.bySubject, subjectID)
	}

	if subjects, ok := r.byConn[connID]; ok {
		delete(subjects, subjectID)
		if len(subjects) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// Subscribers returns the connection IDs subscribed to subjectID.
// The result is never nil and is safe for the caller to retain.
func (r *Registry) Subscribers(subjectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.bySubject[subjectID]
	out := make([]string, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// Subjects returns the subject IDs connID is subscribed to. Never nil.
func (r *Registry) Subjects(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subjects := r.byConn[connID]
	out := make([]string, 0, len(subjects))
	for s := range subjects {
		out = append(out, s)
	}
	return out
}

// RemoveConnection drops every subscription held by connID, as if Unsubscribe
// had been called for each of its subjects. Returns the subjects that were
// removed. Called once when a connection's lifecycle ends.
func (r *Registry) RemoveConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subjects := r.byConn[connID]
	removed := make([]string, 0, len(subjects))
	for s := range subjects {
		removed = append(removed, s)
	}
	for _, s := range removed {
		r.unsubscribeLocked(s, connID)
	}
	return removed
}

// Stats returns current registry sizes.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		SubjectCount:    len(r.bySubject),
		ConnectionCount: len(r.byConn),
		PerSubject:      make(map[string]int, len(r.bySubject)),
	}
	for s, conns := range r.bySubject {
		st.PerSubject[s] = len(conns)
		st.SubscriptionCount += len(conns)
	}
	return st
}
