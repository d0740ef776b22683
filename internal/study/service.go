package study

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/retrieval"
	"github.com/finrisklabs/finrisk/internal/summary"
)

// CheckpointResolver is the slice of the checkpoint engine the study
// service consumes. *checkpoint.Engine satisfies it.
type CheckpointResolver interface {
	ResolveWithPayload(ctx context.Context, taskID string, position checkpoint.Position, mode string, payload map[string]any) ([]*checkpoint.Instance, error)
}

// Service coordinates sessions and the task pipeline. Retrieval and
// generation run against the configured providers; when a fallback is
// wired, provider failures degrade to it instead of surfacing.
type Service struct {
	store       Store
	retriever   retrieval.Retriever
	retFallback retrieval.Retriever
	generator   summary.Generator
	genFallback summary.Generator
	checkpoints CheckpointResolver
	log         *zap.Logger
	now         func() time.Time
	newID       func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service) error

// WithRetriever sets the primary retrieval provider.
func WithRetriever(r retrieval.Retriever) ServiceOption {
	return func(s *Service) error {
		if r == nil {
			return fmt.Errorf("study: retriever must not be nil")
		}
		s.retriever = r
		return nil
	}
}

// WithRetrievalFallback sets the retriever used when the primary fails
// or returns no nodes. Nil disables the fallback.
func WithRetrievalFallback(r retrieval.Retriever) ServiceOption {
	return func(s *Service) error {
		s.retFallback = r
		return nil
	}
}

// WithGenerator sets the primary summary provider.
func WithGenerator(g summary.Generator) ServiceOption {
	return func(s *Service) error {
		if g == nil {
			return fmt.Errorf("study: generator must not be nil")
		}
		s.generator = g
		return nil
	}
}

// WithGenerationFallback sets the generator used when the primary
// fails. Nil disables the fallback.
func WithGenerationFallback(g summary.Generator) ServiceOption {
	return func(s *Service) error {
		s.genFallback = g
		return nil
	}
}

// WithCheckpointResolver wires the checkpoint engine so the pipeline
// can surface checkpoints at its positions.
func WithCheckpointResolver(cp CheckpointResolver) ServiceOption {
	return func(s *Service) error {
		s.checkpoints = cp
		return nil
	}
}

// WithServiceLogger sets the logger. Nil means no logging.
func WithServiceLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if log == nil {
			log = zap.NewNop()
		}
		s.log = log
		return nil
	}
}

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return fmt.Errorf("study: clock must not be nil")
		}
		s.now = now
		return nil
	}
}

// NewService builds a Service. Defaults: mock retrieval and the mock
// summary composer as primaries, no fallbacks, no checkpoints.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("study: store must not be nil")
	}
	s := &Service{
		store:     store,
		retriever: retrieval.NewMockEngine("", ""),
		generator: summary.NewMockGenerator(),
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SessionState is the session view returned by start and get.
type SessionState struct {
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Group         Group     `json:"group"`
	CurrentPhase  int       `json:"current_phase"`
	CurrentMode   Mode      `json:"current_mode"`
	CurrentTaskID string    `json:"current_task_id"`
	CurrentTicker string    `json:"current_ticker"`
	CurrentQuery  string    `json:"current_query"`
	StartedAt     time.Time `json:"started_at"`
}

// PhaseAdvance reports the state after moving a session forward.
type PhaseAdvance struct {
	SessionID     string `json:"session_id"`
	CurrentPhase  int    `json:"current_phase"`
	CurrentMode   Mode   `json:"current_mode"`
	CurrentTaskID string `json:"current_task_id"`
	CurrentTicker string `json:"current_ticker"`
	CurrentQuery  string `json:"current_query"`
}

// StartSession creates the participant on first contact, opens a
// phase-1 session in the group's first mode, and starts the phase task.
func (s *Service) StartSession(ctx context.Context, participantID string) (*SessionState, error) {
	participant, err := s.ensureParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	modes := PhaseModes(participant.Group)

	sess := &Session{
		ID:            s.newID(),
		ParticipantID: participant.ID,
		CurrentPhase:  1,
		CurrentMode:   modes[0],
		StartedAt:     s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if _, err := s.createPhaseTask(ctx, sess, participant, 1); err != nil {
		return nil, err
	}
	s.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("participant_id", participant.ID),
		zap.String("group", string(participant.Group)),
		zap.String("mode", string(sess.CurrentMode)))
	return s.sessionState(ctx, sess)
}

// GetSession returns the session view including its current task.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.sessionState(ctx, sess)
}

// NextPhase advances the session to its next phase, switches the mode
// per the group sequence, and starts the phase task. Sessions stop at
// phase 3.
func (s *Service) NextPhase(ctx context.Context, sessionID string) (*PhaseAdvance, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participant, err := s.store.GetParticipant(ctx, sess.ParticipantID)
	if err != nil {
		return nil, err
	}
	if sess.CurrentPhase >= 3 {
		return nil, &PreconditionError{Message: "Session already at final phase"}
	}

	modes := PhaseModes(participant.Group)
	sess.CurrentPhase++
	sess.CurrentMode = modes[sess.CurrentPhase-1]
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	task, err := s.createPhaseTask(ctx, sess, participant, sess.CurrentPhase)
	if err != nil {
		return nil, err
	}
	s.log.Info("session advanced",
		zap.String("session_id", sess.ID),
		zap.Int("phase", sess.CurrentPhase),
		zap.String("mode", string(sess.CurrentMode)))
	return &PhaseAdvance{
		SessionID:     sess.ID,
		CurrentPhase:  sess.CurrentPhase,
		CurrentMode:   sess.CurrentMode,
		CurrentTaskID: task.ID,
		CurrentTicker: task.Ticker,
		CurrentQuery:  task.QueryText,
	}, nil
}

// CompleteSession stamps the end time. Completing twice refreshes it.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ended := s.now().UTC()
	sess.EndedAt = &ended
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ResolveCheckpoints surfaces the checkpoints due at a pipeline
// position for a task, passing the task's stage output as instance
// payload. Without a wired checkpoint engine it reports none.
func (s *Service) ResolveCheckpoints(ctx context.Context, taskID string, position checkpoint.Position) ([]*checkpoint.Instance, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.checkpoints == nil {
		return []*checkpoint.Instance{}, nil
	}
	return s.checkpoints.ResolveWithPayload(ctx, task.ID, position, string(task.Mode), positionPayload(task, position))
}

func positionPayload(t *Task, position checkpoint.Position) map[string]any {
	switch position {
	case checkpoint.AfterRetrieval:
		if len(t.RetrievedNodes) == 0 {
			return nil
		}
		return map[string]any{
			"retrieval_id": t.RetrievalID,
			"nodes":        t.RetrievedNodes,
		}
	case checkpoint.AfterGeneration:
		if t.GeneratedSummary == "" {
			return nil
		}
		return map[string]any{"draft_summary": t.GeneratedSummary}
	}
	return nil
}

func (s *Service) ensureParticipant(ctx context.Context, participantID string) (*Participant, error) {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err == nil {
		return participant, nil
	}
	if !errors.Is(err, ErrParticipantNotFound) {
		return nil, err
	}
	participant, err = NewParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, err
	}
	return participant, nil
}

func (s *Service) createPhaseTask(ctx context.Context, sess *Session, participant *Participant, phase int) (*Task, error) {
	ticker := participant.TickerForPhase(phase)
	now := s.now().UTC()
	task := &Task{
		ID:        s.newID(),
		SessionID: sess.ID,
		Phase:     phase,
		Mode:      sess.CurrentMode,
		Ticker:    ticker,
		QueryText: QueryFor(ticker),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) sessionState(ctx context.Context, sess *Session) (*SessionState, error) {
	participant, err := s.store.GetParticipant(ctx, sess.ParticipantID)
	if err != nil {
		return nil, err
	}
	task, err := s.store.CurrentTask(ctx, sess.ID, sess.CurrentPhase)
	if err != nil {
		return nil, err
	}
	return &SessionState{
		SessionID:     sess.ID,
		ParticipantID: sess.ParticipantID,
		Group:         participant.Group,
		CurrentPhase:  sess.CurrentPhase,
		CurrentMode:   sess.CurrentMode,
		CurrentTaskID: task.ID,
		CurrentTicker: task.Ticker,
		CurrentQuery:  task.QueryText,
		StartedAt:     sess.StartedAt,
	}, nil
}
