package types

import "time"

// PauseMode selects how a fleet pause treats in-flight jobs.
type PauseMode string

const (
	// PauseModeDrain lets running jobs finish.
	PauseModeDrain PauseMode = "drain"

	// PauseModeQuiesce asks running jobs to cancel at the next safe
	// boundary.
	PauseModeQuiesce PauseMode = "quiesce"
)

// PauseState is the versioned system-wide worker-pause record. While Paused
// is true, ClaimJob returns empty; heartbeats still succeed.
type PauseState struct {
	Paused  bool      `json:"workersPaused"`
	Mode    PauseMode `json:"mode,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Version int64     `json:"version"`
	Updated time.Time `json:"updatedAt"`
}

// Copy returns a copy of the PauseState.
func (s *PauseState) Copy() *PauseState {
	rv := new(PauseState)
	*rv = *s
	return rv
}

// PauseAuditEntry records one pause/resume transition.
type PauseAuditEntry struct {
	Action  string    `json:"action"`
	Mode    PauseMode `json:"mode,omitempty"`
	Reason  string    `json:"reason"`
	Created time.Time `json:"createdAt"`
}
