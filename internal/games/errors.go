package games

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no game matches the lookup.
	ErrNotFound = errors.New("game not found")

	// ErrStaleState is returned by conditional updates when the game's
	// state diverged from the expected one. The caller lost a benign
	// race; no mutation was applied.
	ErrStaleState = errors.New("game state changed concurrently")
)

// GameInWrongStateError reports an operation attempted against a game whose
// state does not permit it.
type GameInWrongStateError struct {
	GameID string
	State  GameState
}

func (e *GameInWrongStateError) Error() string {
	return fmt.Sprintf("game %s is in wrong state (%s)", e.GameID, e.State)
}

// CannotAssignGameServerError wraps a provider failure during assignment.
// The game remains unassigned; the sweep retries it.
type CannotAssignGameServerError struct {
	GameID string
	Number int64
	Err    error
}

func (e *CannotAssignGameServerError) Error() string {
	return fmt.Sprintf("cannot assign server to game #%d: %v", e.Number, e.Err)
}

func (e *CannotAssignGameServerError) Unwrap() error { return e.Err }

// SlotNotWaitingError reports a substitution operation against a slot that
// is not waiting for a substitute.
type SlotNotWaitingError struct {
	GameID string
	SlotID string
	Status SlotStatus
}

func (e *SlotNotWaitingError) Error() string {
	return fmt.Sprintf("slot %s of game %s is not waiting for a substitute (%s)", e.SlotID, e.GameID, e.Status)
}

// PlayerActiveElsewhereError rejects a replacement player who is already
// part of another in-progress game.
type PlayerActiveElsewhereError struct {
	PlayerID string
	GameID   string
}

func (e *PlayerActiveElsewhereError) Error() string {
	return fmt.Sprintf("player %s is already active in game %s", e.PlayerID, e.GameID)
}

// PlayerAlreadyReplacingError rejects a player claiming a second open
// substitute request while one claim is still in flight.
type PlayerAlreadyReplacingError struct {
	PlayerID string
}

func (e *PlayerAlreadyReplacingError) Error() string {
	return fmt.Sprintf("player %s is already claiming another substitute request", e.PlayerID)
}
