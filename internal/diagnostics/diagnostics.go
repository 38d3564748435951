// Package diagnostics runs operator-triggered health checks against a
// game server and records their progress. Check implementations live with
// the transports they exercise; only the runner contract is consumed here.
package diagnostics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pickupstack/pickup/internal/gameserver"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckRunning   CheckStatus = "running"
	CheckCompleted CheckStatus = "completed"
	CheckFailed    CheckStatus = "failed"
)

// Check is one diagnostic step of a run.
type Check struct {
	ID       uint        `json:"-" gorm:"primaryKey;autoIncrement"`
	RunID    string      `json:"-" gorm:"index;type:text"`
	Name     string      `json:"name"`
	Critical bool        `json:"critical"`
	Status   CheckStatus `json:"status"`
	Errors   string      `json:"errors,omitempty"`
	Warnings string      `json:"warnings,omitempty"`
}

// Run is one diagnostic pass over one server.
type Run struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	ServerID   string    `json:"server_id" gorm:"index"`
	LaunchedAt time.Time `json:"launched_at"`
	Status     RunStatus `json:"status"`
	Checks     []Check   `json:"checks" gorm:"foreignKey:RunID"`
}

// Result is what a runner reports back.
type Result struct {
	Success  bool
	Errors   []string
	Warnings []string
}

// Runner executes one check against a server.
type Runner interface {
	Name() string
	Critical() bool
	Run(ctx context.Context, server gameserver.Option) Result
}

var ErrRunNotFound = errors.New("diagnostic run not found")

type Service struct {
	db      *gorm.DB
	runners []Runner
}

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&Run{}, &Check{}) }

func NewService(db *gorm.DB, runners ...Runner) *Service {
	return &Service{db: db, runners: runners}
}

func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.WithContext(ctx).Preload("Checks").First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RunDiagnostics starts a run for the given server and returns its id.
// Checks execute sequentially in the background, persisting progress after
// each step; the run completes only if every check does.
func (s *Service) RunDiagnostics(ctx context.Context, server gameserver.Option) (string, error) {
	run := &Run{
		ID:         uuid.NewString(),
		ServerID:   server.ID,
		LaunchedAt: time.Now(),
		Status:     RunPending,
	}
	for _, r := range s.runners {
		run.Checks = append(run.Checks, Check{RunID: run.ID, Name: r.Name(), Critical: r.Critical(), Status: CheckPending})
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return "", err
	}
	go s.execute(context.WithoutCancel(ctx), run, server)
	return run.ID, nil
}

func (s *Service) execute(ctx context.Context, run *Run, server gameserver.Option) {
	slog.Info("starting diagnostics", "server", server.Name, "run", run.ID)
	run.Status = RunRunning
	s.persist(ctx, run)

	for i, r := range s.runners {
		run.Checks[i].Status = CheckRunning
		s.persist(ctx, run)

		res := r.Run(ctx, server)
		run.Checks[i].Errors = joinLines(res.Errors)
		run.Checks[i].Warnings = joinLines(res.Warnings)
		if res.Success {
			run.Checks[i].Status = CheckCompleted
		} else {
			run.Checks[i].Status = CheckFailed
		}
		s.persist(ctx, run)
	}

	run.Status = RunCompleted
	for _, ch := range run.Checks {
		if ch.Status != CheckCompleted {
			run.Status = RunFailed
			break
		}
	}
	s.persist(ctx, run)
	slog.Info("diagnostics done", "server", server.Name, "run", run.ID, "status", run.Status)
}

func (s *Service) persist(ctx context.Context, run *Run) {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		slog.Error("persisting diagnostic run failed", "run", run.ID, "error", err)
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
