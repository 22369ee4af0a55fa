package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// SignalRelay is the store-and-forward channel used to exchange
// offers/answers/candidates before a direct path exists.
// Records() delivers inbound records filtered to the local receiver, in
// relay order; the channel is owned by the adapter and closed on Close.
type SignalRelay interface {
	Publish(ctx context.Context, rec domain.SignalRecord) error
	PublishScreen(ctx context.Context, rec domain.ScreenShareRecord) error
	// Purge removes every record for a session (called when it ends).
	Purge(ctx context.Context, sid domain.SessionID) error

	Records() <-chan domain.SignalRecord
	ScreenEvents() <-chan domain.ScreenShareRecord

	Close()
}
