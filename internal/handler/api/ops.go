package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	"TrapLine/internal/registry"
	"TrapLine/internal/service/metrics"
	"TrapLine/internal/service/ratelimit"
	"TrapLine/internal/usecase"
	pkgcache "TrapLine/pkg/cache"
	xhttp "TrapLine/pkg/http"
	applogger "TrapLine/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Probe reports one dependency's liveness for the health endpoint.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpsHandler exposes the pipeline's operational surface: armed wires,
// blacklist state, ghost mode, and the event journal.
type OpsHandler struct {
	l       *applogger.Logger
	reg     *registry.Registry
	disp    *usecase.Dispatcher
	journal domrepo.Journal
	cache   pkgcache.Service
	rl      *ratelimit.Limiter
	probes  []Probe
}

// NewOpsHandler creates the ops HTTP handler.
func NewOpsHandler(l *applogger.Logger, reg *registry.Registry, disp *usecase.Dispatcher, journal domrepo.Journal) *OpsHandler {
	metrics.Register()
	return &OpsHandler{l: l, reg: reg, disp: disp, journal: journal, rl: ratelimit.New()}
}

// SetCache injects a response cache for the journal endpoint.
func (h *OpsHandler) SetCache(c pkgcache.Service) { h.cache = c }

// SetProbes registers health checks.
func (h *OpsHandler) SetProbes(probes ...Probe) { h.probes = probes }

func (h *OpsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api")
	g.GET("/tripwires", h.Tripwires)
	g.GET("/blacklist", h.Blacklist)
	g.POST("/blacklist", h.BlacklistAdd)
	g.DELETE("/blacklist", h.BlacklistRemove)
	g.GET("/ghost", h.GhostGet)
	g.PUT("/ghost", h.GhostPut)
	g.GET("/budget", h.Budget)
	g.GET("/journal", h.Journal)
}

type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *OpsHandler) Health(c echo.Context) error {
	res := probeResult{Status: "ok", Checks: make(map[string]string, len(h.probes))}
	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			res.Status = "degraded"
			res.Checks[p.Name] = err.Error()
			continue
		}
		res.Checks[p.Name] = "ok"
	}
	if res.Status != "ok" {
		return xhttp.DataResponse(c, http.StatusServiceUnavailable, res)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *OpsHandler) Tripwires(c echo.Context) error {
	start := time.Now()
	defer func() { metrics.OpsLatency.WithLabelValues("tripwires").Observe(time.Since(start).Seconds()) }()

	req := &models.TripwiresRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	symbols := h.reg.GetAllSymbols()
	if req.Symbol != "" {
		symbols = []string{req.Symbol}
	}
	out := make(map[string][]models.Tripwire, len(symbols))
	for _, s := range symbols {
		if snap := h.reg.SnapshotTripwires(s); len(snap) > 0 {
			out[s] = snap
		}
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=5")
	return xhttp.SuccessResponse(c, out)
}

type blacklistEntry struct {
	Symbol string    `json:"symbol"`
	Until  time.Time `json:"until"`
}

func (h *OpsHandler) Blacklist(c echo.Context) error {
	start := time.Now()
	defer func() { metrics.OpsLatency.WithLabelValues("blacklist").Observe(time.Since(start).Seconds()) }()

	req := &models.BlacklistRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	snapshot := h.reg.BlacklistSnapshot(time.Now())
	out := make([]blacklistEntry, 0, len(snapshot))
	for symbol, until := range snapshot {
		if req.Symbol != "" && symbol != req.Symbol {
			continue
		}
		out = append(out, blacklistEntry{Symbol: symbol, Until: until})
	}
	return xhttp.SuccessResponse(c, out)
}

// BlacklistAdd bars a symbol by operator request. The bar expires like
// one applied by the dispatcher.
func (h *OpsHandler) BlacklistAdd(c echo.Context) error {
	req := &models.BlacklistAddRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
	h.reg.Blacklist(req.Symbol, until)
	if h.l != nil {
		h.l.Info("operator blacklist",
			applogger.String("symbol", req.Symbol),
			applogger.String("until", until.UTC().Format(time.RFC3339)))
	}
	return xhttp.SuccessResponse(c, blacklistEntry{Symbol: req.Symbol, Until: until})
}

// BlacklistRemove lifts a symbol's bar ahead of its expiry.
func (h *OpsHandler) BlacklistRemove(c echo.Context) error {
	req := &models.BlacklistRemoveRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	h.reg.Unblacklist(req.Symbol)
	if h.l != nil {
		h.l.Info("operator unblacklist", applogger.String("symbol", req.Symbol))
	}
	return xhttp.SuccessResponse(c, "removed")
}

type ghostState struct {
	Enabled bool `json:"enabled"`
}

func (h *OpsHandler) GhostGet(c echo.Context) error {
	return xhttp.SuccessResponse(c, ghostState{Enabled: h.disp.GhostMode()})
}

func (h *OpsHandler) GhostPut(c echo.Context) error {
	req := &models.GhostModeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	h.disp.SetGhostMode(req.Enabled)
	if h.l != nil {
		h.l.Info("ghost mode changed", applogger.String("enabled", boolWord(req.Enabled)))
	}
	return xhttp.SuccessResponse(c, ghostState{Enabled: req.Enabled})
}

type budgetState struct {
	Equity float64 `json:"equity"`
}

// Budget reports the equity the dispatcher is currently sizing against.
func (h *OpsHandler) Budget(c echo.Context) error {
	return xhttp.SuccessResponse(c, budgetState{Equity: h.disp.Equity()})
}

func (h *OpsHandler) Journal(c echo.Context) error {
	start := time.Now()
	endpoint := "journal"
	defer func() { metrics.OpsLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds()) }()

	if h.journal == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("journal not configured"))
	}

	req := &models.JournalRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(c.RealIP()+":journal", 3, 1) {
		if h.l != nil {
			h.l.Warn("ops.journal rate_limited", applogger.String("remote", c.RealIP()))
		}
		return xhttp.DataResponse(c, http.StatusTooManyRequests, "rate limited")
	}

	from, ok := xhttp.ParseTime(req.From)
	if req.From != "" && !ok {
		return xhttp.BadRequestResponse(c, "from: invalid time")
	}
	to, ok := xhttp.ParseTime(req.To)
	if req.To != "" && !ok {
		return xhttp.BadRequestResponse(c, "to: invalid time")
	}

	cacheKey := "journal:" + req.Symbol + ":" + req.Type + ":" + req.From + ":" + req.To + ":" + strconv.Itoa(req.Limit)
	if h.cache != nil {
		var page json.RawMessage
		cerr := h.cache.Get(c.Request().Context(), cacheKey, &page)
		if cerr == nil {
			return xhttp.SuccessResponse(c, page)
		}
		if !errors.Is(cerr, pkgcache.ErrCacheMiss) && h.l != nil {
			h.l.Warn("ops.journal cache_get_error", applogger.Error(cerr))
		}
	}

	events, err := h.journal.Query(c.Request().Context(), req.Symbol, req.Type, from, to, req.Limit)
	if err != nil {
		metrics.OpsErrors.WithLabelValues(endpoint).Inc()
		if h.l != nil {
			h.l.Error("ops.journal query error", applogger.Error(err))
		}
		return xhttp.AppErrorResponse(c, err)
	}

	if h.cache != nil {
		page := xhttp.ListDataResponse{Rows: events, Total: int64(len(events))}
		if cerr := h.cache.Set(c.Request().Context(), cacheKey, page, 30*time.Second); cerr != nil && h.l != nil {
			h.l.Warn("ops.journal cache_set_error", applogger.Error(cerr))
		}
	}
	return xhttp.ListResponse(c, events, int64(len(events)))
}

func boolWord(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
