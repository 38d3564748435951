// Package substitution manages the waiting-for-substitute sub-protocol of
// an in-progress game: an admin flags a seat, any player fills it, the
// other seats are never disturbed.
package substitution

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/telemetry"
)

// ActiveGames is the player -> current game pointer plus the system-wide
// one-open-claim-per-player guard.
type ActiveGames interface {
	Get(ctx context.Context, playerID string) (string, error)
	Set(ctx context.Context, playerID, gameID string) error
	Clear(ctx context.Context, playerID, gameID string) error
	TryClaim(ctx context.Context, playerID string) (bool, error)
	ReleaseClaim(ctx context.Context, playerID string) error
}

type Service struct {
	repo    *games.Repo
	bus     *events.Bus
	active  ActiveGames
	metrics *telemetry.GameMetrics
}

func New(repo *games.Repo, bus *events.Bus, active ActiveGames, metrics *telemetry.GameMetrics) *Service {
	return &Service{repo: repo, bus: bus, active: active, metrics: metrics}
}

// RequestSubstitute flags the slot as needing a replacement. Re-requesting
// an already-waiting slot is a no-op returning the current state.
func (s *Service) RequestSubstitute(ctx context.Context, gameID, slotID string) (*games.Game, error) {
	g, err := s.repo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsInProgress() {
		return nil, &games.GameInWrongStateError{GameID: g.ID, State: g.State}
	}
	slot := g.FindSlot(slotID)
	if slot == nil {
		return nil, games.ErrNotFound
	}
	if slot.Status == games.SlotWaitingForSubstitute {
		return g, nil
	}
	if slot.Status != games.SlotActive {
		return nil, &games.SlotNotWaitingError{GameID: g.ID, SlotID: slotID, Status: slot.Status}
	}

	updated, err := s.repo.UpdateInState(ctx, gameID, games.InProgressStates, func(g *games.Game) error {
		sl := g.FindSlot(slotID)
		if sl == nil || sl.Status != games.SlotActive {
			return &games.SlotNotWaitingError{GameID: g.ID, SlotID: slotID, Status: slotStatus(sl)}
		}
		sl.Status = games.SlotWaitingForSubstitute
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("substitute requested", "game", updated.Number, "slot", slotID, "player", slot.PlayerID)
	s.metrics.SubstituteRequested(ctx, updated.ID)
	s.bus.Publish(events.SubstituteRequested{GameID: updated.ID, PlayerID: slot.PlayerID})
	return updated, nil
}

// CancelSubstituteRequest reverts waiting_for_substitute back to active.
func (s *Service) CancelSubstituteRequest(ctx context.Context, gameID, slotID string) (*games.Game, error) {
	g, err := s.repo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsInProgress() {
		return nil, &games.GameInWrongStateError{GameID: g.ID, State: g.State}
	}
	var playerID string
	updated, err := s.repo.UpdateInState(ctx, gameID, games.InProgressStates, func(g *games.Game) error {
		sl := g.FindSlot(slotID)
		if sl == nil {
			return games.ErrNotFound
		}
		if sl.Status != games.SlotWaitingForSubstitute {
			return &games.SlotNotWaitingError{GameID: g.ID, SlotID: slotID, Status: sl.Status}
		}
		sl.Status = games.SlotActive
		playerID = sl.PlayerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("substitute request canceled", "game", updated.Number, "slot", slotID)
	s.bus.Publish(events.SubstituteRequestCanceled{GameID: updated.ID, PlayerID: playerID})
	return updated, nil
}

// ReplacePlayer fills a waiting seat. The vacating slot becomes replaced
// (terminal for that seat's original occupant) and the replacement is
// recorded as occupying the same seat, preserving its class and
// friend-link constraints. The original occupant taking their own seat
// back is treated as a cancel.
func (s *Service) ReplacePlayer(ctx context.Context, gameID, slotID, replacementID string) (*games.Game, error) {
	g, err := s.repo.GetByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if !g.IsInProgress() {
		return nil, &games.GameInWrongStateError{GameID: g.ID, State: g.State}
	}
	slot := g.FindSlot(slotID)
	if slot == nil {
		return nil, games.ErrNotFound
	}
	if slot.Status != games.SlotWaitingForSubstitute {
		return nil, &games.SlotNotWaitingError{GameID: g.ID, SlotID: slotID, Status: slot.Status}
	}

	if slot.PlayerID == replacementID {
		return s.CancelSubstituteRequest(ctx, gameID, slotID)
	}

	if err := s.checkEligibility(ctx, g, slot, replacementID); err != nil {
		return nil, err
	}

	ok, err := s.active.TryClaim(ctx, replacementID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &games.PlayerAlreadyReplacingError{PlayerID: replacementID}
	}
	defer func() {
		if err := s.active.ReleaseClaim(context.WithoutCancel(ctx), replacementID); err != nil {
			slog.Error("releasing substitute claim failed", "player", replacementID, "error", err)
		}
	}()

	replaceeID := slot.PlayerID
	updated, err := s.repo.UpdateInState(ctx, gameID, games.InProgressStates, func(g *games.Game) error {
		sl := g.FindSlot(slotID)
		if sl == nil || sl.Status != games.SlotWaitingForSubstitute {
			// a concurrent replace won; fail cleanly with no mutation
			return &games.SlotNotWaitingError{GameID: g.ID, SlotID: slotID, Status: slotStatus(sl)}
		}
		// same seat, new occupant; class and friend links are preserved
		sl.Status = games.SlotReplaced
		sl.ReplacedFrom = sl.PlayerID
		sl.PlayerID = replacementID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.active.Clear(ctx, replaceeID, gameID); err != nil {
		slog.Error("clearing active-game pointer failed", "player", replaceeID, "error", err)
	}
	if err := s.active.Set(ctx, replacementID, gameID); err != nil {
		slog.Error("setting active-game pointer failed", "player", replacementID, "error", err)
	}

	slog.Info("player replaced", "game", updated.Number, "slot", slotID, "replacee", replaceeID, "replacement", replacementID)
	s.metrics.PlayerReplaced(ctx, updated.ID)
	s.bus.Publish(events.PlayerReplaced{GameID: updated.ID, ReplaceeID: replaceeID, ReplacementID: replacementID})
	return updated, nil
}

// checkEligibility rejects replacements that would double-book a player or
// break a friend-link party.
func (s *Service) checkEligibility(ctx context.Context, g *games.Game, slot *games.Slot, replacementID string) error {
	if other := g.SlotByPlayer(replacementID); other != nil && other.ID != slot.ID {
		return &games.PlayerActiveElsewhereError{PlayerID: replacementID, GameID: g.ID}
	}
	current, err := s.active.Get(ctx, replacementID)
	if err != nil {
		return err
	}
	if current != "" && current != g.ID {
		return &games.PlayerActiveElsewhereError{PlayerID: replacementID, GameID: current}
	}
	// the pointer store is a cache; the slot table is the authority
	other, err := s.repo.FindActiveGameByPlayer(ctx, replacementID)
	if err != nil && !errors.Is(err, games.ErrNotFound) {
		return err
	}
	if other != nil && other.ID != g.ID {
		return &games.PlayerActiveElsewhereError{PlayerID: replacementID, GameID: other.ID}
	}
	// a friend-linked occupant of a paired seat cannot also fill this one
	if slot.FriendsWith != "" {
		for _, linked := range strings.Split(slot.FriendsWith, ",") {
			l := g.FindSlot(strings.TrimSpace(linked))
			if l != nil && l.PlayerID == replacementID && l.Status != games.SlotReplaced {
				return &games.PlayerActiveElsewhereError{PlayerID: replacementID, GameID: g.ID}
			}
		}
	}
	return nil
}

func slotStatus(sl *games.Slot) games.SlotStatus {
	if sl == nil {
		return ""
	}
	return sl.Status
}
