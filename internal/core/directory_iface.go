package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// MediaFlags is the declared video state of one participant, the fallback
// source of truth for inbound track attribution.
type MediaFlags struct {
	HasVideo      bool
	SharingScreen bool
}

// Directory is the external source of truth for membership and declared
// audio/video/screen state. Changes() delivers roster notifications in
// feed order; the channel is owned by the adapter and closed on Close.
type Directory interface {
	// Join upserts the participant record, resetting a stale leave_time.
	Join(ctx context.Context, p domain.Participant) error
	// Leave stamps leave_time and resets the declared flags.
	Leave(ctx context.Context, sid domain.SessionID, uid domain.UserID) error

	SetMuted(ctx context.Context, sid domain.SessionID, uid domain.UserID, muted bool) error
	SetSpeaking(ctx context.Context, sid domain.SessionID, uid domain.UserID, speaking bool) error
	SetVideo(ctx context.Context, sid domain.SessionID, uid domain.UserID, hasVideo bool) error
	SetScreen(ctx context.Context, sid domain.SessionID, uid domain.UserID, sharing bool) error

	// Roster lists participants that have not left.
	Roster(ctx context.Context, sid domain.SessionID) ([]domain.Participant, error)
	// Flags reads the current video/screen declaration for one participant.
	Flags(ctx context.Context, sid domain.SessionID, uid domain.UserID) (MediaFlags, error)

	// EndSessionIfEmpty marks the session ended when nobody is left.
	// Reports whether it did.
	EndSessionIfEmpty(ctx context.Context, sid domain.SessionID) (bool, error)

	Changes() <-chan domain.RosterEvent

	Close()
}
