package study

import "context"

// Store is the persistence contract the study service runs against.
// Implementations return ErrParticipantNotFound, ErrSessionNotFound, or
// ErrTaskNotFound for missing rows and must hand back copies the caller
// may mutate freely.
type Store interface {
	CreateParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id string) (*Participant, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error

	// CurrentTask returns the most recently started task of a session's
	// phase.
	CurrentTask(ctx context.Context, sessionID string, phase int) (*Task, error)
}
