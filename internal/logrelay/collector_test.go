package logrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache { return &memCache{data: map[string]string{}} }

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNoBuffer
	}
	return v, nil
}

func (m *memCache) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type uploaderStub struct {
	mu       sync.Mutex
	err      error
	uploaded []string
}

func (u *uploaderStub) Upload(_ context.Context, _ string, _ int64, logFile string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.uploaded = append(u.uploaded, logFile)
	return "https://logs.example.com/1234", nil
}

func (u *uploaderStub) files() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.uploaded))
	copy(out, u.uploaded)
	return out
}

func setup(t *testing.T, up Uploader) (*Collector, *games.Game, *memCache, *events.Bus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := games.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}
	repo := games.NewRepo(db)
	g, err := repo.Create(context.Background(), "cp_process", []games.NewSlot{
		{PlayerID: "p1", Team: "blu", GameClass: "scout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	cache := newMemCache()
	return New(repo, cache, bus, up), g, cache, bus
}

func TestHandleMessage_BuffersLinesInOrder(t *testing.T) {
	c, g, cache, _ := setup(t, nil)
	ctx := context.Background()

	c.HandleMessage(ctx, Message{Secret: g.LogSecret, Payload: `"p1" joined team "Blue"`})
	c.HandleMessage(ctx, Message{Secret: g.LogSecret, Payload: "World triggered \"Round_Start\""})

	buf, err := cache.Get(ctx, bufferKey(g.ID))
	if err != nil {
		t.Fatal(err)
	}
	want := "L \"p1\" joined team \"Blue\"\nL World triggered \"Round_Start\""
	if buf != want {
		t.Fatalf("buffer = %q, want %q", buf, want)
	}
}

func TestHandleMessage_DropsUnknownSecret(t *testing.T) {
	c, g, cache, _ := setup(t, nil)
	ctx := context.Background()

	c.HandleMessage(ctx, Message{Secret: "stale-secret", Payload: "noise"})
	if _, err := cache.Get(ctx, bufferKey(g.ID)); !errors.Is(err, ErrNoBuffer) {
		t.Fatal("unknown secret produced a buffer")
	}
}

func TestUploadLogs_ShipsAndDropsBuffer(t *testing.T) {
	up := &uploaderStub{}
	c, g, cache, bus := setup(t, up)
	ctx := context.Background()

	var mu sync.Mutex
	var urls []string
	bus.Subscribe("test", func(ev events.Event) {
		if e, ok := ev.(events.LogsUploaded); ok {
			mu.Lock()
			urls = append(urls, e.URL)
			mu.Unlock()
		}
	})

	c.HandleMessage(ctx, Message{Secret: g.LogSecret, Payload: "line one"})
	c.UploadLogs(ctx, g.ID)

	files := up.files()
	if len(files) != 1 || files[0] != "L line one" {
		t.Fatalf("uploaded = %v", files)
	}
	if _, err := cache.Get(ctx, bufferKey(g.ID)); !errors.Is(err, ErrNoBuffer) {
		t.Fatal("buffer kept after successful upload")
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(urls)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("logs uploaded event not published")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUploadLogs_FailureKeepsBuffer(t *testing.T) {
	up := &uploaderStub{err: errors.New("service down")}
	c, g, cache, _ := setup(t, up)
	ctx := context.Background()

	c.HandleMessage(ctx, Message{Secret: g.LogSecret, Payload: "line one"})
	c.UploadLogs(ctx, g.ID)

	if _, err := cache.Get(ctx, bufferKey(g.ID)); err != nil {
		t.Fatal("buffer dropped despite failed upload")
	}
}

func TestStart_UploadsOnMatchEnded(t *testing.T) {
	up := &uploaderStub{}
	c, g, _, bus := setup(t, up)
	ctx := context.Background()

	cancel := c.Start(ctx)
	defer cancel()

	c.HandleMessage(ctx, Message{Secret: g.LogSecret, Payload: "final score"})
	bus.Publish(events.MatchEnded{GameID: g.ID})

	deadline := time.Now().Add(time.Second)
	for len(up.files()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("match end did not trigger the upload")
		}
		time.Sleep(time.Millisecond)
	}
}
