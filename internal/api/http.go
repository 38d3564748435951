// Package api is the thin HTTP surface over the orchestration core: game
// lookup, the queue collaborator's create hook, admin substitution and
// force-end actions, and server diagnostics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pickupstack/pickup/internal/coordinator"
	"github.com/pickupstack/pickup/internal/diagnostics"
	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/gameserver"
	"github.com/pickupstack/pickup/internal/substitution"
)

type Server struct {
	repo  *games.Repo
	coord *coordinator.Coordinator
	subs  *substitution.Service
	pool  *gameserver.Pool
	diag  *diagnostics.Service
	bus   *events.Bus

	mu   sync.Mutex
	http *http.Server
}

func NewServer(repo *games.Repo, coord *coordinator.Coordinator, subs *substitution.Service, pool *gameserver.Pool, diag *diagnostics.Service, bus *events.Bus) *Server {
	return &Server{repo: repo, coord: coord, subs: subs, pool: pool, diag: diag, bus: bus}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /games", s.createGame)
	mux.HandleFunc("GET /games", s.listRunningGames)
	mux.HandleFunc("GET /games/{id}", s.getGame)
	mux.HandleFunc("GET /games/{id}/connect-info", s.connectInfo)
	mux.HandleFunc("PUT /games/{id}/force-end", s.forceEnd)
	mux.HandleFunc("PUT /games/{id}/slots/{slot}/substitute-request", s.requestSubstitute)
	mux.HandleFunc("DELETE /games/{id}/slots/{slot}/substitute-request", s.cancelSubstitute)
	mux.HandleFunc("PUT /games/{id}/slots/{slot}/replace", s.replacePlayer)
	mux.HandleFunc("GET /servers", s.listServers)
	mux.HandleFunc("POST /servers/{id}/diagnostics", s.runDiagnostics)
	mux.HandleFunc("GET /diagnostics/{id}", s.getDiagnosticRun)
	mux.HandleFunc("POST /ingress/match-started", s.matchStarted)
	mux.HandleFunc("POST /ingress/match-ended", s.matchEnded)
	return otelhttp.NewHandler(mux, "pickup-api")
}

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type createGameRequest struct {
	Map   string `json:"map"`
	Slots []struct {
		PlayerID    string `json:"player_id"`
		Team        string `json:"team"`
		GameClass   string `json:"game_class"`
		FriendsWith string `json:"friends_with,omitempty"`
	} `json:"slots"`
}

func (s *Server) createGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if req.Map == "" || len(req.Slots) == 0 {
		httpError(w, http.StatusBadRequest, errors.New("map and slots are required"))
		return
	}
	slots := make([]games.NewSlot, len(req.Slots))
	for i, sl := range req.Slots {
		slots[i] = games.NewSlot{PlayerID: sl.PlayerID, Team: sl.Team, GameClass: sl.GameClass, FriendsWith: sl.FriendsWith}
	}
	g, err := s.coord.CreateGame(r.Context(), req.Map, slots)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) listRunningGames(w http.ResponseWriter, r *http.Request) {
	running, err := s.repo.ListRunning(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if running == nil {
		running = []*games.Game{}
	}
	writeJSON(w, http.StatusOK, running)
}

func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.repo.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) connectInfo(w http.ResponseWriter, r *http.Request) {
	addr, password, err := s.coord.ConnectInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "password": password})
}

func (s *Server) forceEnd(w http.ResponseWriter, r *http.Request) {
	g, err := s.coord.ForceEnd(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) requestSubstitute(w http.ResponseWriter, r *http.Request) {
	g, err := s.subs.RequestSubstitute(r.Context(), r.PathValue("id"), r.PathValue("slot"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) cancelSubstitute(w http.ResponseWriter, r *http.Request) {
	g, err := s.subs.CancelSubstituteRequest(r.Context(), r.PathValue("id"), r.PathValue("slot"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) replacePlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		httpError(w, http.StatusBadRequest, errors.New("player_id is required"))
		return
	}
	g, err := s.subs.ReplacePlayer(r.Context(), r.PathValue("id"), r.PathValue("slot"), req.PlayerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	opts, err := s.pool.FindAllOptions(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if opts == nil {
		opts = []gameserver.Option{}
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) runDiagnostics(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")
	opts, err := s.pool.FindAllOptions(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	for _, o := range opts {
		if o.ID == serverID {
			runID, err := s.diag.RunDiagnostics(r.Context(), o)
			if err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
			return
		}
	}
	httpError(w, http.StatusNotFound, gameserver.ErrServerUnavailable)
}

func (s *Server) getDiagnosticRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.diag.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, diagnostics.ErrRunNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// matchStarted and matchEnded are called by the log ingress (or the game
// server plugin directly) once the relayed logs show the round went live
// or finished. The secret authenticates the caller as the game's server.
func (s *Server) matchStarted(w http.ResponseWriter, r *http.Request) {
	s.ingressEvent(w, r, func(gameID string) events.Event { return events.MatchStarted{GameID: gameID} })
}

func (s *Server) matchEnded(w http.ResponseWriter, r *http.Request) {
	s.ingressEvent(w, r, func(gameID string) events.Event { return events.MatchEnded{GameID: gameID} })
}

func (s *Server) ingressEvent(w http.ResponseWriter, r *http.Request, ev func(gameID string) events.Event) {
	var req struct {
		LogSecret string `json:"log_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LogSecret == "" {
		httpError(w, http.StatusBadRequest, errors.New("log_secret is required"))
		return
	}
	g, err := s.repo.GetByLogSecret(r.Context(), req.LogSecret)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.bus.Publish(ev(g.ID))
	w.WriteHeader(http.StatusNoContent)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var wrongState *games.GameInWrongStateError
	var notWaiting *games.SlotNotWaitingError
	var activeElsewhere *games.PlayerActiveElsewhereError
	var alreadyReplacing *games.PlayerAlreadyReplacingError
	switch {
	case errors.Is(err, games.ErrNotFound):
		httpError(w, http.StatusNotFound, err)
	case errors.As(err, &wrongState), errors.As(err, &notWaiting),
		errors.As(err, &activeElsewhere), errors.As(err, &alreadyReplacing):
		httpError(w, http.StatusConflict, err)
	case errors.Is(err, gameserver.ErrServerUnavailable):
		httpError(w, http.StatusConflict, err)
	default:
		httpError(w, http.StatusInternalServerError, err)
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	if code >= 500 {
		slog.Error("api error", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
