// Package api is the engine's RPC surface toward the Control Plane: Echo
// handlers, shared-secret authentication, input validation and flag-
// submission rate limiting. No other peer ever talks to this port.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/flag"
	"github.com/ghanishpatil/hackwars-engine/internal/match"
	"github.com/ghanishpatil/hackwars-engine/internal/metrics"
	"github.com/ghanishpatil/hackwars-engine/internal/provision"
)

// maxBodySize caps every JSON request body.
const maxBodySize = "50K"

// requestTimeout bounds every Control-Plane RPC except Provision, which
// runs under the provisioner's own five-minute deadline.
const requestTimeout = 5 * time.Second

type Handler struct {
	store       *match.Store
	lifecycle   *match.Lifecycle
	provisioner *provision.Provisioner
	flags       *flag.Manager
	limiter     *SubmissionLimiter

	secret     string
	allowedIPs map[string]bool
}

func NewHandler(store *match.Store, lifecycle *match.Lifecycle, provisioner *provision.Provisioner, flags *flag.Manager, limiter *SubmissionLimiter, secret string, allowedIPs []string) *Handler {
	ips := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		ips[ip] = true
	}
	return &Handler{
		store:       store,
		lifecycle:   lifecycle,
		provisioner: provisioner,
		flags:       flags,
		limiter:     limiter,
		secret:      secret,
		allowedIPs:  ips,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Use(requestLogger)
	e.Use(middleware.BodyLimit(maxBodySize))

	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	engine := e.Group("/engine", h.authMiddleware)

	// Provision runs long; everything else gets the short deadline.
	engine.POST("/match/provision", h.provisionMatch)

	short := engine.Group("", withTimeout(requestTimeout))
	short.POST("/match/start", h.startMatch)
	short.GET("/match/:matchId/status", h.matchStatus)
	short.GET("/match/:matchId/infrastructure", h.matchInfrastructure)
	short.POST("/match/:matchId/stop", h.stopMatch)
	short.POST("/match/:matchId/cleanup", h.cleanupMatch)
	short.POST("/flag/submit", h.submitFlag)
	short.GET("/match/:matchId/result", h.matchResult)
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		err := next(c)
		log.Debug().
			Str("request_id", reqID).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Msg("rpc")
		return err
	}
}

func withTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "match-engine",
	})
}

type teamBody struct {
	TeamID  string   `json:"teamId"`
	Players []string `json:"players"`
}

type provisionRequest struct {
	MatchID    string   `json:"matchId"`
	Difficulty string   `json:"difficulty"`
	TeamA      teamBody `json:"teamA"`
	TeamB      teamBody `json:"teamB"`
}

func (h *Handler) provisionMatch(c echo.Context) error {
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MatchID == "" || req.Difficulty == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "matchId and difficulty are required")
	}
	if req.TeamA.TeamID == "" || req.TeamB.TeamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "both teams must carry a teamId")
	}

	inf, err := h.provisioner.Provision(c.Request().Context(), match.ProvisionRequest{
		MatchID:    req.MatchID,
		Difficulty: req.Difficulty,
		TeamA:      match.TeamSpec{TeamID: req.TeamA.TeamID, Players: req.TeamA.Players},
		TeamB:      match.TeamSpec{TeamID: req.TeamB.TeamID, Players: req.TeamB.Players},
	})
	if err != nil {
		if errors.Is(err, match.ErrAlreadyProvisioned) {
			return echo.NewHTTPError(http.StatusConflict, "match already provisioned")
		}
		log.Error().Err(err).Str("match_id", req.MatchID).Msg("provisioning failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "provisioning failed")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":        true,
		"infrastructure": inf,
	})
}

type startRequest struct {
	MatchID    string   `json:"matchId"`
	Difficulty string   `json:"difficulty"`
	TeamSize   int      `json:"teamSize"`
	TeamA      []string `json:"teamA"`
	TeamB      []string `json:"teamB"`
}

func (h *Handler) startMatch(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MatchID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "matchId is required")
	}
	if req.TeamSize <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "teamSize must be a positive integer")
	}

	_, err := h.store.Create(req.MatchID, req.Difficulty, req.TeamSize,
		match.TeamSlot{Key: match.TeamAKey, Players: req.TeamA},
		match.TeamSlot{Key: match.TeamBKey, Players: req.TeamB},
	)
	switch {
	case errors.Is(err, match.ErrEngineBusy):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "concurrent match limit reached",
		})
	case errors.Is(err, match.ErrMatchExists):
		return echo.NewHTTPError(http.StatusConflict, "match already exists")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "could not register match")
	}

	metrics.SetActiveMatches(h.store.ActiveCount())

	// Initialization can involve image pulls; the RPC acks immediately and
	// the lifecycle drives the match toward RUNNING in the background.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), provision.Deadline)
		defer cancel()
		if err := h.lifecycle.Start(ctx, req.MatchID); err != nil {
			log.Error().Err(err).Str("match_id", req.MatchID).Msg("match start failed")
		}
	}()

	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) matchStatus(c echo.Context) error {
	snap, ok := h.store.Get(c.Param("matchId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown match")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"matchId": snap.ID,
		"state":   string(snap.State),
	})
}

func (h *Handler) matchInfrastructure(c echo.Context) error {
	inf, ok := h.store.Infra(c.Param("matchId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no infrastructure for match")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":        true,
		"infrastructure": inf,
	})
}

func (h *Handler) stopMatch(c echo.Context) error {
	matchID := c.Param("matchId")
	if err := h.lifecycle.Stop(c.Request().Context(), matchID, "stop rpc"); err != nil {
		if errors.Is(err, match.ErrMatchNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown match")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "stop failed")
	}
	metrics.SetActiveMatches(h.store.ActiveCount())
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) cleanupMatch(c echo.Context) error {
	matchID := c.Param("matchId")
	_, knownMatch := h.store.Get(matchID)
	_, knownInfra := h.store.Infra(matchID)
	if !knownMatch && !knownInfra {
		return echo.NewHTTPError(http.StatusNotFound, "unknown match")
	}
	h.lifecycle.Cleanup(c.Request().Context(), matchID)
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type submitRequest struct {
	MatchID string `json:"matchId"`
	TeamID  string `json:"teamId"`
	Flag    string `json:"flag"`
}

func rejected(c echo.Context, status int, reason string) error {
	metrics.SubmissionObserved("rejected")
	return c.JSON(status, map[string]string{
		"status": "rejected",
		"reason": reason,
	})
}

func (h *Handler) submitFlag(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MatchID == "" || req.TeamID == "" || req.Flag == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "matchId, teamId and flag are required")
	}

	snap, ok := h.store.Get(req.MatchID)
	if !ok {
		return rejected(c, http.StatusNotFound, "unknown match")
	}
	if snap.State != match.StateRunning {
		return rejected(c, http.StatusConflict, "match not running")
	}

	if !h.limiter.Allow(req.MatchID, req.TeamID) {
		metrics.SubmissionObserved("rate_limited")
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"status": "rejected",
			"reason": "rate limit exceeded",
		})
	}

	result := h.flags.Validate(req.MatchID, req.Flag, snap.CurrentTick, h.store.ServiceIDs(req.MatchID))
	if !result.Valid {
		return rejected(c, http.StatusOK, "invalid or expired flag")
	}

	if err := h.recordCapture(req, result); err != nil {
		switch {
		case errors.Is(err, errOwnTeam):
			return rejected(c, http.StatusOK, "cannot submit own team flag")
		case errors.Is(err, errDuplicate):
			return rejected(c, http.StatusOK, "flag already captured for this tick")
		case errors.Is(err, errUnknownTeam):
			return rejected(c, http.StatusBadRequest, "unknown team")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "submission failed")
		}
	}

	metrics.SubmissionObserved("accepted")
	log.Info().
		Str("match_id", req.MatchID).
		Str("team_id", req.TeamID).
		Str("service_id", result.ServiceID).
		Int("tick", result.Tick).
		Msg("flag captured")
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

var (
	errOwnTeam     = errors.New("own team submission")
	errDuplicate   = errors.New("duplicate capture")
	errUnknownTeam = errors.New("unknown team")
)

func (h *Handler) recordCapture(req submitRequest, result flag.Result) error {
	return h.store.WithMatch(req.MatchID, func(m *match.Match) error {
		if m.OwnsService(req.TeamID, result.ServiceID) {
			return errOwnTeam
		}
		if m.SlotFor(req.TeamID) == nil {
			return errUnknownTeam
		}
		key := match.CaptureKey{ServiceID: result.ServiceID, Tick: result.Tick}
		if _, taken := m.Captures[key]; taken {
			return errDuplicate
		}
		m.Captures[key] = req.TeamID
		return nil
	})
}

func (h *Handler) matchResult(c echo.Context) error {
	snap, ok := h.store.Get(c.Param("matchId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown match")
	}
	if snap.Final == nil {
		return echo.NewHTTPError(http.StatusConflict, "match has no result yet")
	}

	res := snap.Final
	return c.JSON(http.StatusOK, map[string]any{
		"matchId":    res.MatchID,
		"difficulty": res.Difficulty,
		"teamA":      teamResultJSON(res.TeamA),
		"teamB":      teamResultJSON(res.TeamB),
		"winner":     res.Winner,
	})
}

func teamResultJSON(t match.TeamStats) map[string]any {
	return map[string]any{
		"players": t.Players,
		"score":   t.Score,
		"stats": map[string]int{
			"flagsCaptured": t.FlagsCaptured,
			"uptimeTicks":   t.UptimeTicks,
			"downtimeTicks": t.DowntimeTicks,
		},
	}
}
