package games

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// GameState is the lifecycle state of a game. Transitions are monotonic:
// created -> configuring -> launching -> active -> ended, with interrupted
// reachable from every non-terminal state. A game never returns to created.
type GameState string

const (
	StateCreated     GameState = "created"
	StateConfiguring GameState = "configuring"
	StateLaunching   GameState = "launching"
	StateActive      GameState = "active"
	StateEnded       GameState = "ended"
	StateInterrupted GameState = "interrupted"
)

func (s GameState) String() string { return string(s) }

// InProgressStates are the states eligible for server (re-)assignment.
var InProgressStates = []GameState{StateCreated, StateConfiguring, StateLaunching, StateActive}

// AllStates spans the whole lifecycle, for updates that must apply
// regardless of where the game currently is.
var AllStates = []GameState{
	StateCreated, StateConfiguring, StateLaunching,
	StateActive, StateEnded, StateInterrupted,
}

// SlotStatus tracks one seat through substitution. Forward-only:
// active -> waiting_for_substitute -> replaced.
type SlotStatus string

const (
	SlotActive               SlotStatus = "active"
	SlotWaitingForSubstitute SlotStatus = "waiting_for_substitute"
	SlotReplaced             SlotStatus = "replaced"
)

func (s SlotStatus) String() string { return string(s) }

// Slot is one player's seat in a game. Slot identity is stable for the
// game's lifetime; substitution re-records the occupant on the same seat,
// it never creates a new one. PlayerID is always the current occupant;
// after a replacement ReplacedFrom keeps the vacating player.
type Slot struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text"`
	GameID       string     `json:"-" gorm:"index;type:text"`
	Position     int        `json:"position"`
	PlayerID     string     `json:"player_id" gorm:"index"`
	Team         string     `json:"team"`
	GameClass    string     `json:"game_class"`
	Status       SlotStatus `json:"status"`
	ReplacedFrom string     `json:"replaced_from,omitempty"`
	FriendsWith  string     `json:"friends_with,omitempty"` // comma-joined slot ids sharing a party
}

// Game is one real match. Persisted forever; terminal games are retained
// for history, never deleted.
type Game struct {
	ID                string     `json:"id" gorm:"primaryKey;type:text"`
	Number            int64      `json:"number" gorm:"uniqueIndex"`
	Map               string     `json:"map"`
	State             GameState  `json:"state" gorm:"index"`
	Slots             []Slot     `json:"slots" gorm:"foreignKey:GameID"`
	GameServerID      string     `json:"game_server_id,omitempty" gorm:"index"`
	GameServer        string     `json:"game_server,omitempty"`         // display name of the leased server
	GameServerAddress string     `json:"game_server_address,omitempty"` // host:port players connect to
	LogSecret         string     `json:"-" gorm:"uniqueIndex"`
	LaunchedAt        *time.Time `json:"launched_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsInProgress reports whether the game still occupies (or may claim) a
// server lease.
func (g *Game) IsInProgress() bool {
	switch g.State {
	case StateCreated, StateConfiguring, StateLaunching, StateActive:
		return true
	}
	return false
}

// FindSlot returns the slot with the given id, or nil.
func (g *Game) FindSlot(slotID string) *Slot {
	for i := range g.Slots {
		if g.Slots[i].ID == slotID {
			return &g.Slots[i]
		}
	}
	return nil
}

// SlotByPlayer returns the slot currently occupied by the given player, or
// nil. A replaced seat counts as occupied by its replacement, not by the
// player it vacated.
func (g *Game) SlotByPlayer(playerID string) *Slot {
	for i := range g.Slots {
		if g.Slots[i].PlayerID == playerID {
			return &g.Slots[i]
		}
	}
	return nil
}

// ActivePlayerIDs lists the current occupant of every seat.
func (g *Game) ActivePlayerIDs() []string {
	var out []string
	for i := range g.Slots {
		out = append(out, g.Slots[i].PlayerID)
	}
	return out
}

// NewLogSecret generates the per-game token that correlates inbound log
// traffic to this game. Never reused across games.
func NewLogSecret() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
