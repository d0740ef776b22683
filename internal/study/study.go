// Package study models the user-study domain: participants with
// deterministic group and ticker assignments, sessions that advance
// through three phases, and the per-phase retrieval-and-summarization
// tasks. The Service drives the task pipeline (query, select, generate,
// edit, complete) against pluggable retrieval and summary providers and
// surfaces checkpoints through the checkpoint engine.
package study

import (
	"errors"
	"time"

	"github.com/finrisklabs/finrisk/internal/retrieval"
)

// Group is the between-subjects study arm.
type Group string

// Study groups.
const (
	GroupA Group = "A"
	GroupB Group = "B"
)

// Mode is the interaction condition a task runs under.
type Mode string

// Interaction modes. Retrieval-HITL surfaces the chunk selector,
// generation-HITL the summary editor, full both.
const (
	ModeBaseline       Mode = "baseline"
	ModeHITLRetrieval  Mode = "hitl_r"
	ModeHITLGeneration Mode = "hitl_g"
	ModeHITLFull       Mode = "hitl_full"
)

// Participant is a study subject with assignments derived from the id.
type Participant struct {
	ID           string `json:"id"`
	Group        Group  `json:"group"`
	Phase1Ticker string `json:"phase1_ticker"`
	Phase2Ticker string `json:"phase2_ticker"`
	Phase3Ticker string `json:"phase3_ticker"`
}

// TickerForPhase returns the assigned ticker for phase 1..3.
func (p *Participant) TickerForPhase(phase int) string {
	switch phase {
	case 1:
		return p.Phase1Ticker
	case 2:
		return p.Phase2Ticker
	case 3:
		return p.Phase3Ticker
	}
	return ""
}

// Session tracks a participant's pass through the three phases.
type Session struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participant_id"`
	CurrentPhase  int        `json:"current_phase"`
	CurrentMode   Mode       `json:"current_mode"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// FlaggedSpan marks a summary region the participant flagged as
// unsupported by the sources.
type FlaggedSpan struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Task is one phase's retrieval-and-summarization exercise together with
// everything the participant did to it.
type Task struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Phase     int       `json:"phase"`
	Mode      Mode      `json:"mode"`
	Ticker    string    `json:"ticker"`
	QueryText string    `json:"query_text"`
	StartedAt time.Time `json:"started_at"`

	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TimeOnTaskSeconds int        `json:"time_on_task_seconds,omitempty"`

	RetrievalID      string           `json:"pageindex_retrieval_id,omitempty"`
	RetrievedNodes   []retrieval.Node `json:"retrieved_nodes,omitempty"`
	SelectedNodeIDs  []string         `json:"selected_node_ids,omitempty"`
	RejectedNodeIDs  []string         `json:"rejected_node_ids,omitempty"`
	GeneratedSummary string           `json:"generated_summary,omitempty"`
	EditedSummary    string           `json:"edited_summary,omitempty"`
	FlaggedSpans     []FlaggedSpan    `json:"flagged_spans,omitempty"`
	CharactersEdited int              `json:"characters_edited,omitempty"`

	RetrievalCompletedAt  *time.Time `json:"retrieval_completed_at,omitempty"`
	GenerationCompletedAt *time.Time `json:"generation_completed_at,omitempty"`
	EditCompletedAt       *time.Time `json:"edit_completed_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to mutate.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.RetrievedNodes = append([]retrieval.Node(nil), t.RetrievedNodes...)
	cp.SelectedNodeIDs = append([]string(nil), t.SelectedNodeIDs...)
	cp.RejectedNodeIDs = append([]string(nil), t.RejectedNodeIDs...)
	cp.FlaggedSpans = append([]FlaggedSpan(nil), t.FlaggedSpans...)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.RetrievalCompletedAt = cloneTime(t.RetrievalCompletedAt)
	cp.GenerationCompletedAt = cloneTime(t.GenerationCompletedAt)
	cp.EditCompletedAt = cloneTime(t.EditCompletedAt)
	return &cp
}

// Clone returns a copy safe to mutate.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.EndedAt = cloneTime(s.EndedAt)
	return &cp
}

// Clone returns a copy safe to mutate.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Lookup failures, one per aggregate so callers can report which one.
var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrTaskNotFound        = errors.New("task not found")
)

// ErrInvalidParticipantID rejects ids outside P00..P99.
var ErrInvalidParticipantID = errors.New("participant_id must match P followed by two digits")

// PreconditionError reports a pipeline step invoked out of order or with
// an unusable selection. Maps to HTTP 400.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// GatewayError reports an upstream provider failure along with the
// status the API should relay.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string { return e.Message }
