package types

import "time"

// EventLevel is the severity of an Event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// EventKind distinguishes stage transitions, captured process output, and
// progress counters.
type EventKind string

const (
	EventKindStage    EventKind = "stage"
	EventKindLog      EventKind = "log"
	EventKindProgress EventKind = "progress"
)

// LogStream names the originating stream of a log event.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// Stage status values carried on stage events.
const (
	StageStatusStarted   = "started"
	StageStatusSucceeded = "succeeded"
	StageStatusFailed    = "failed"
	StageStatusCancelled = "cancelled"
)

// Task stage names, emitted in order by the worker.
const (
	StageSubmitted = "submitted"
	StageClaimed   = "claimed"
	StageRequeued  = "requeued"

	StagePreflight = "moonmind.task.preflight"
	StagePrepare   = "moonmind.task.prepare"
	StageExecute   = "moonmind.task.execute"
	StagePublish   = "moonmind.task.publish"
	StageFinalize  = "moonmind.task.finalize"
)

// Manifest stage names, emitted in order by the manifest engine.
const (
	StageManifestValidate  = "validate"
	StageManifestPlan      = "plan"
	StageManifestFetch     = "fetch"
	StageManifestTransform = "transform"
	StageManifestEmbed     = "embed"
	StageManifestUpsert    = "upsert"
	StageManifestFinalize  = "finalize"
)

// EventPayload is the structured portion of an Event.
type EventPayload struct {
	Kind  EventKind `json:"kind"`
	Stage string    `json:"stage,omitempty"`

	// Status is set on stage events.
	Status string `json:"status,omitempty"`

	// Stream is set on log events.
	Stream LogStream `json:"stream,omitempty"`

	// Counters carries progress numbers, eg. manifest stage counters.
	Counters map[string]int64 `json:"counters,omitempty"`

	// Extra carries forward-compatible structured fields.
	Extra map[string]string `json:"extra,omitempty"`
}

// Copy returns a deep copy of the payload.
func (p EventPayload) Copy() EventPayload {
	rv := p
	if p.Counters != nil {
		rv.Counters = make(map[string]int64, len(p.Counters))
		for k, v := range p.Counters {
			rv.Counters[k] = v
		}
	}
	if p.Extra != nil {
		rv.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			rv.Extra[k] = v
		}
	}
	return rv
}

// Event is an immutable, append-only record in a job's event log.
//
// Invariants: per job, the pair (Created, Id) is strictly increasing, and
// events are never modified or deleted.
type Event struct {
	// Id is monotonic within a job, assigned by the store.
	Id      int64        `json:"id"`
	JobId   string       `json:"jobId"`
	Created time.Time    `json:"createdAt"`
	Level   EventLevel   `json:"level"`
	Message string       `json:"message"`
	Payload EventPayload `json:"payload"`
}

// Copy returns a deep copy of the Event.
func (e *Event) Copy() *Event {
	rv := new(Event)
	*rv = *e
	rv.Payload = e.Payload.Copy()
	return rv
}

// Before reports whether e is strictly earlier than other in the per-job
// (Created, Id) order.
func (e *Event) Before(other *Event) bool {
	if e.Created.Equal(other.Created) {
		return e.Id < other.Id
	}
	return e.Created.Before(other.Created)
}

// EventCursor identifies a position in a job's event log for keyset
// pagination. After/Before are exclusive bounds.
type EventCursor struct {
	After         time.Time `json:"after,omitempty"`
	AfterEventId  int64     `json:"afterEventId,omitempty"`
	Before        time.Time `json:"before,omitempty"`
	BeforeEventId int64     `json:"beforeEventId,omitempty"`
}
