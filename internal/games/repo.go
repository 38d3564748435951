package games

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repo persists Game aggregates. All state transitions go through
// UpdateInState so concurrent writers race at the storage layer and the
// loser backs off without side effects.
type Repo struct{ db *gorm.DB }

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&Game{}, &Slot{}) }
func NewRepo(db *gorm.DB) *Repo     { return &Repo{db: db} }

// NewSlot describes one seat of a game about to be created.
type NewSlot struct {
	PlayerID    string
	Team        string
	GameClass   string
	FriendsWith string
}

// Create inserts a new game with all slots active, assigns the next
// human-facing game number and a fresh log secret.
func (r *Repo) Create(ctx context.Context, mapName string, slots []NewSlot) (*Game, error) {
	g := &Game{
		ID:        uuid.NewString(),
		Map:       mapName,
		State:     StateCreated,
		LogSecret: NewLogSecret(),
	}
	for i, s := range slots {
		g.Slots = append(g.Slots, Slot{
			ID:          uuid.NewString(),
			GameID:      g.ID,
			Position:    i,
			PlayerID:    s.PlayerID,
			Team:        s.Team,
			GameClass:   s.GameClass,
			Status:      SlotActive,
			FriendsWith: s.FriendsWith,
		})
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max int64
		if err := tx.Model(&Game{}).Select("COALESCE(MAX(number), 0)").Scan(&max).Error; err != nil {
			return err
		}
		g.Number = max + 1
		return tx.Create(g).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	return g, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Game, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByLogSecret resolves inbound log traffic to its game.
func (r *Repo) GetByLogSecret(ctx context.Context, secret string) (*Game, error) {
	return r.getOne(ctx, "log_secret = ?", secret)
}

func (r *Repo) getOne(ctx context.Context, query string, arg any) (*Game, error) {
	var g Game
	err := r.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&g, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListOrphaned returns in-progress games without a leased server, oldest
// first. The sweep services these in order.
func (r *Repo) ListOrphaned(ctx context.Context) ([]*Game, error) {
	var arr []*Game
	err := r.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("state IN ?", stateStrings(InProgressStates)).
		Where("game_server_id = '' OR game_server_id IS NULL").
		Order("number ASC").
		Find(&arr).Error
	if err != nil {
		return nil, err
	}
	return arr, nil
}

// ListRunning returns every in-progress game, oldest first.
func (r *Repo) ListRunning(ctx context.Context) ([]*Game, error) {
	var arr []*Game
	err := r.db.WithContext(ctx).
		Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("state IN ?", stateStrings(InProgressStates)).
		Order("number ASC").
		Find(&arr).Error
	if err != nil {
		return nil, err
	}
	return arr, nil
}

// FindActiveGameByPlayer returns the in-progress game the player currently
// occupies a non-replaced seat in, or ErrNotFound.
func (r *Repo) FindActiveGameByPlayer(ctx context.Context, playerID string) (*Game, error) {
	var id string
	err := r.db.WithContext(ctx).Model(&Slot{}).
		Select("slots.game_id").
		Joins("JOIN games ON games.id = slots.game_id").
		Where("slots.player_id = ? AND slots.status <> ?", playerID, string(SlotReplaced)).
		Where("games.state IN ?", stateStrings(InProgressStates)).
		Limit(1).
		Scan(&id).Error
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// UpdateInState applies mutate to the game iff its current state is one of
// allowed, committing the game row with a compare-and-swap on the state it
// was read at. Slots are written individually, each guarded by the status it
// was read at, so two writers touching different seats compose and two
// writers racing on the same seat leave one of them with ErrStaleState.
// A concurrent transition surfaces as ErrStaleState and leaves the game
// untouched.
func (r *Repo) UpdateInState(ctx context.Context, id string, allowed []GameState, mutate func(*Game) error) (*Game, error) {
	var out *Game
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g Game
		err := tx.Preload("Slots", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
			First(&g, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev := g.State
		if !stateAllowed(prev, allowed) {
			return ErrStaleState
		}
		before := make(map[string]Slot, len(g.Slots))
		for _, sl := range g.Slots {
			before[sl.ID] = sl
		}
		if err := mutate(&g); err != nil {
			return err
		}
		res := tx.Model(&Game{}).
			Where("id = ? AND state = ?", id, string(prev)).
			Updates(map[string]any{
				"state":               string(g.State),
				"game_server_id":      g.GameServerID,
				"game_server":         g.GameServer,
				"game_server_address": g.GameServerAddress,
				"launched_at":         g.LaunchedAt,
				"ended_at":            g.EndedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleState
		}
		for i := range g.Slots {
			sl := g.Slots[i]
			was, ok := before[sl.ID]
			if !ok {
				if err := tx.Create(&g.Slots[i]).Error; err != nil {
					return err
				}
				continue
			}
			if sl == was {
				continue
			}
			res := tx.Model(&Slot{}).
				Where("id = ? AND status = ?", sl.ID, string(was.Status)).
				Updates(map[string]any{
					"player_id":     sl.PlayerID,
					"status":        string(sl.Status),
					"replaced_from": sl.ReplacedFrom,
					"friends_with":  sl.FriendsWith,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrStaleState
			}
		}
		out = &g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stateAllowed(s GameState, allowed []GameState) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func stateStrings(states []GameState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
