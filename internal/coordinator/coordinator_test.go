package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/gameserver"
)

// controlsProvider serves one server whose console records every command.
type controlsProvider struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (p *controlsProvider) Name() string  { return "test" }
func (p *controlsProvider) Priority() int { return 0 }

func (p *controlsProvider) FindOptions(context.Context) ([]gameserver.Option, error) {
	return []gameserver.Option{{ID: "srv-1", Name: "srv-1", Provider: "test"}}, nil
}

func (p *controlsProvider) Take(_ context.Context, _, serverID string) (*gameserver.Details, error) {
	return &gameserver.Details{ID: serverID, Name: serverID, Provider: "test"}, nil
}

func (p *controlsProvider) TakeFirstFree(ctx context.Context, gameID string) (*gameserver.Details, error) {
	return p.Take(ctx, gameID, "srv-1")
}

func (p *controlsProvider) Release(context.Context, string, string, gameserver.ReleaseReason) error {
	return nil
}

func (p *controlsProvider) Controls(_ context.Context, serverID string) (gameserver.Controls, error) {
	if serverID != "srv-1" {
		return nil, gameserver.ErrServerUnavailable
	}
	return providerControls{p}, nil
}

func (p *controlsProvider) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

type providerControls struct{ p *controlsProvider }

func (c providerControls) Send(_ context.Context, cmd string) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.sendErr != nil {
		return c.p.sendErr
	}
	c.p.sent = append(c.p.sent, cmd)
	return nil
}

func (c providerControls) Close() error { return nil }

type releaserSpy struct {
	mu      sync.Mutex
	repo    *games.Repo
	reasons map[string]gameserver.ReleaseReason
}

func (r *releaserSpy) Release(ctx context.Context, gameID string, reason gameserver.ReleaseReason) error {
	r.mu.Lock()
	r.reasons[gameID] = reason
	r.mu.Unlock()
	_, err := r.repo.UpdateInState(ctx, gameID, games.AllStates, func(g *games.Game) error {
		g.GameServerID = ""
		g.GameServer = ""
		g.GameServerAddress = ""
		return nil
	})
	return err
}

func (r *releaserSpy) reasonFor(gameID string) (gameserver.ReleaseReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.reasons[gameID]
	return reason, ok
}

type pointerStore struct {
	mu     sync.Mutex
	active map[string]string
}

func (s *pointerStore) Set(_ context.Context, playerID, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[playerID] = gameID
	return nil
}

func (s *pointerStore) Clear(_ context.Context, playerID, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[playerID] == gameID {
		delete(s.active, playerID)
	}
	return nil
}

func (s *pointerStore) get(playerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[playerID]
}

type fixture struct {
	coord    *Coordinator
	repo     *games.Repo
	provider *controlsProvider
	releaser *releaserSpy
	active   *pointerStore
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := games.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}
	repo := games.NewRepo(db)
	provider := &controlsProvider{}
	pool := gameserver.NewPool(provider)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	releaser := &releaserSpy{repo: repo, reasons: map[string]gameserver.ReleaseReason{}}
	active := &pointerStore{active: map[string]string{}}
	coord := New(repo, pool, bus, releaser, active, nil, Config{LogAddress: "1.2.3.4:9871"})
	return &fixture{coord: coord, repo: repo, provider: provider, releaser: releaser, active: active, bus: bus}
}

func (f *fixture) createGame(t *testing.T) *games.Game {
	t.Helper()
	g, err := f.coord.CreateGame(context.Background(), "cp_process", []games.NewSlot{
		{PlayerID: "p1", Team: "blu", GameClass: "scout"},
		{PlayerID: "p2", Team: "red", GameClass: "scout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// assignServer puts the game in configuring with srv-1 leased, the state
// Configure expects to find.
func (f *fixture) assignServer(t *testing.T, gameID string) *games.Game {
	t.Helper()
	g, err := f.repo.UpdateInState(context.Background(), gameID, games.InProgressStates, func(g *games.Game) error {
		g.GameServerID = "srv-1"
		g.GameServer = "srv-1"
		g.GameServerAddress = "10.0.0.1:27015"
		g.State = games.StateConfiguring
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func (f *fixture) setState(t *testing.T, gameID string, state games.GameState) *games.Game {
	t.Helper()
	g, err := f.repo.UpdateInState(context.Background(), gameID, games.AllStates, func(g *games.Game) error {
		g.State = state
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestCreateGame_SetsPointersAndPublishes(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var created []events.Event
	f.bus.Subscribe("test", func(ev events.Event) {
		if _, ok := ev.(events.GameCreated); ok {
			mu.Lock()
			created = append(created, ev)
			mu.Unlock()
		}
	})

	g := f.createGame(t)
	if f.active.get("p1") != g.ID || f.active.get("p2") != g.ID {
		t.Fatal("active-game pointers not set for the lineup")
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(created)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("game created event not published")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigure_SendsOrderedCommandsAndAdvances(t *testing.T) {
	f := newFixture(t)
	g := f.assignServer(t, f.createGame(t).ID)

	f.coord.Configure(context.Background(), g)

	got, _ := f.repo.GetByID(context.Background(), g.ID)
	if got.State != games.StateLaunching {
		t.Fatalf("state = %s, want launching", got.State)
	}

	cmds := f.provider.commands()
	if len(cmds) == 0 {
		t.Fatal("no commands sent")
	}
	if cmds[0] != "sm_game_player_delall" {
		t.Fatalf("first command = %q", cmds[0])
	}
	if last := cmds[len(cmds)-1]; last != "changelevel cp_process" {
		t.Fatalf("last command = %q", last)
	}
	var sawWhitelist, sawPassword, sawLogAddress, sawLogSecret, sawExec bool
	addPlayers := 0
	for _, cmd := range cmds {
		switch {
		case strings.HasPrefix(cmd, "sm_game_player_add "):
			addPlayers++
		case cmd == "sm_game_player_whitelist 1":
			sawWhitelist = true
		case strings.HasPrefix(cmd, "sv_password "):
			sawPassword = true
		case cmd == "logaddress_add 1.2.3.4:9871":
			sawLogAddress = true
		case cmd == "sv_logsecret "+g.LogSecret:
			sawLogSecret = true
		case cmd == "exec pickup":
			sawExec = true
		}
	}
	if addPlayers != 2 || !sawWhitelist || !sawPassword || !sawLogAddress || !sawLogSecret || !sawExec {
		t.Fatalf("command set incomplete: %v", cmds)
	}
}

func TestConfigure_FailureInterruptsGame(t *testing.T) {
	f := newFixture(t)
	f.provider.sendErr = errors.New("connection refused")
	g := f.assignServer(t, f.createGame(t).ID)

	f.coord.Configure(context.Background(), g)

	got, _ := f.repo.GetByID(context.Background(), g.ID)
	if got.State != games.StateInterrupted {
		t.Fatalf("state = %s, want interrupted", got.State)
	}
	if reason, ok := f.releaser.reasonFor(g.ID); !ok || reason != gameserver.ReleaseGameInterrupted {
		t.Fatalf("release reason = %q, ok = %v", reason, ok)
	}
	if f.active.get("p1") != "" || f.active.get("p2") != "" {
		t.Fatal("active-game pointers not cleared")
	}
}

func TestHandleMatchStarted(t *testing.T) {
	f := newFixture(t)
	g := f.assignServer(t, f.createGame(t).ID)
	f.setState(t, g.ID, games.StateLaunching)

	f.coord.handleMatchStarted(context.Background(), g.ID)

	got, _ := f.repo.GetByID(context.Background(), g.ID)
	if got.State != games.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
	if got.LaunchedAt == nil {
		t.Fatal("launched_at not recorded")
	}

	// a repeated start report is ignored
	f.coord.handleMatchStarted(context.Background(), g.ID)
	again, _ := f.repo.GetByID(context.Background(), g.ID)
	if again.State != games.StateActive {
		t.Fatalf("state = %s after duplicate start", again.State)
	}
}

func TestHandleMatchEnded_ReleasesAndClears(t *testing.T) {
	f := newFixture(t)
	g := f.assignServer(t, f.createGame(t).ID)
	f.setState(t, g.ID, games.StateActive)

	f.coord.handleMatchEnded(context.Background(), g.ID)

	got, _ := f.repo.GetByID(context.Background(), g.ID)
	if got.State != games.StateEnded {
		t.Fatalf("state = %s, want ended", got.State)
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at not recorded")
	}
	if reason, ok := f.releaser.reasonFor(g.ID); !ok || reason != gameserver.ReleaseGameEnded {
		t.Fatalf("release reason = %q, ok = %v", reason, ok)
	}
	if f.active.get("p1") != "" || f.active.get("p2") != "" {
		t.Fatal("active-game pointers not cleared")
	}
}

func TestForceEnd(t *testing.T) {
	f := newFixture(t)
	g := f.assignServer(t, f.createGame(t).ID)

	got, err := f.coord.ForceEnd(context.Background(), g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != games.StateInterrupted {
		t.Fatalf("state = %s, want interrupted", got.State)
	}
	if got.GameServerID != "" {
		t.Fatalf("lease survives force-end: %+v", got)
	}
	if reason, _ := f.releaser.reasonFor(g.ID); reason != gameserver.ReleaseGameInterrupted {
		t.Fatalf("release reason = %q", reason)
	}

	var wrongState *games.GameInWrongStateError
	if _, err := f.coord.ForceEnd(context.Background(), g.ID); !errors.As(err, &wrongState) {
		t.Fatalf("want GameInWrongStateError on terminal game, got %v", err)
	}
}

func TestConnectInfo(t *testing.T) {
	f := newFixture(t)
	g := f.createGame(t)

	// no lease yet
	if _, _, err := f.coord.ConnectInfo(context.Background(), g.ID); !errors.Is(err, gameserver.ErrServerUnavailable) {
		t.Fatalf("want ErrServerUnavailable, got %v", err)
	}

	g = f.assignServer(t, g.ID)
	f.coord.Configure(context.Background(), g)

	addr, password, err := f.coord.ConnectInfo(context.Background(), g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "10.0.0.1:27015" {
		t.Fatalf("address = %q", addr)
	}
	if password == "" {
		t.Fatal("no connect password")
	}
}

func TestHandlePlayerReplaced_SwapsRoster(t *testing.T) {
	f := newFixture(t)
	g := f.assignServer(t, f.createGame(t).ID)
	slotID := g.Slots[0].ID

	if _, err := f.repo.UpdateInState(context.Background(), g.ID, games.InProgressStates, func(g *games.Game) error {
		sl := g.FindSlot(slotID)
		sl.Status = games.SlotReplaced
		sl.ReplacedFrom = sl.PlayerID
		sl.PlayerID = "p3"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	f.coord.handlePlayerReplaced(context.Background(), events.PlayerReplaced{
		GameID: g.ID, ReplaceeID: "p1", ReplacementID: "p3",
	})

	cmds := f.provider.commands()
	if len(cmds) != 2 || cmds[0] != "sm_game_player_del p1" || !strings.HasPrefix(cmds[1], "sm_game_player_add p3 ") {
		t.Fatalf("roster swap commands = %v", cmds)
	}
}
