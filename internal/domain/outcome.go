package domain

// OutcomeKind tags the result of a single fetch/apply attempt.
type OutcomeKind string

const (
	// OutcomeQueueEmpty: the remote queue had nothing to fetch. A normal
	// steady-state signal, used only for backoff pacing.
	OutcomeQueueEmpty OutcomeKind = "queue_empty"
	// OutcomeTomb: a tombstone was fetched and pushed into the local store.
	OutcomeTomb OutcomeKind = "tomb"
	// OutcomeObject: an object was fetched and pushed into the local store.
	OutcomeObject OutcomeKind = "object"
	// OutcomeError: the attempt failed (client unavailable, remote fault,
	// apply failure, or an unexpected panic caught at the worker boundary).
	OutcomeError OutcomeKind = "error"
)

// Outcome is the tagged result a fetch worker reports back to the
// coordinator. Only the fields relevant to the kind are set: elapsed times
// accompany success kinds, Reason accompanies OutcomeError.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	FetchElapsedMs int64       `json:"fetch_elapsed_ms,omitempty"`
	ApplyElapsedMs int64       `json:"apply_elapsed_ms,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// Delivered reports whether the outcome carried a value into the local store.
func (o Outcome) Delivered() bool {
	return o.Kind == OutcomeTomb || o.Kind == OutcomeObject
}

// ReplObject is one replicated mutation pulled from a peer: either an object
// value or a tombstone marking a delete, plus the source-side modification
// time in Unix milliseconds.
type ReplObject struct {
	Key            string `json:"key"`
	Value          []byte `json:"value"`
	Tombstone      bool   `json:"tombstone"`
	LastModifiedMs int64  `json:"last_modified_ms"`
}
