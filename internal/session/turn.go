package session

import (
	"time"

	"github.com/google/uuid"
)

// Turn records one user-utterance/system-response pair. A turn opens when the
// orchestrator starts listening and closes when the response finishes playing
// or the turn is abandoned by a barge-in.
type Turn struct {
	// ID uniquely identifies the turn within the session.
	ID uuid.UUID

	// StartedAt is when the orchestrator began listening for this turn.
	StartedAt time.Time

	// EndedAt is when the turn closed. Zero while the turn is open.
	EndedAt time.Time

	// UserTranscript is the finalised user utterance.
	UserTranscript string

	// ResponseText is the assistant's full response. Empty when the turn was
	// interrupted before playback finished.
	ResponseText string

	// Cancelled is true when the turn was abandoned by a barge-in.
	Cancelled bool
}

func newTurn() *Turn {
	return &Turn{ID: uuid.New(), StartedAt: time.Now()}
}
