package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	authapp "npc-server/internal/app/auth"
	"npc-server/internal/app/npc"
	worldapp "npc-server/internal/app/world"
	domainworld "npc-server/internal/domain/world"
)

// SalesLister reads the sale history of one NPC.
type SalesLister interface {
	ListByNPC(ctx context.Context, npcName string, limit int) ([]domainworld.SaleRecord, error)
}

type Handler struct {
	logger      zerolog.Logger
	auth        *authapp.Service
	world       *worldapp.Service
	sales       SalesLister
	corsOrigin  string
	maxBodySize int64
}

type contextKey string

const claimsContextKey contextKey = "claims"

// NewHandler wires the HTTP and websocket surface. sales may be nil when the
// ledger is disabled.
func NewHandler(logger zerolog.Logger, auth *authapp.Service, world *worldapp.Service, sales SalesLister, corsOrigin string, maxBodySize int64) *Handler {
	return &Handler{logger: logger, auth: auth, world: world, sales: sales, corsOrigin: corsOrigin, maxBodySize: maxBodySize}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.cors)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)

	r.Route("/v1", func(v1 chi.Router) {
		// The websocket outlives any request timeout.
		v1.Get("/world/ws", h.worldWS)

		v1.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(20 * time.Second))
			api.Post("/auth/register", h.register)
			api.Post("/auth/login", h.login)
			api.Get("/world/state", h.worldState)
			api.Get("/world/players", h.worldPlayers)
			api.Get("/npcs", h.listNPCs)
			api.Get("/npcs/{npcID}", h.getNPC)

			api.Group(func(admin chi.Router) {
				admin.Use(h.authMiddleware, h.requireAdmin)
				admin.Post("/npcs", h.spawnNPC)
				admin.Post("/npcs/{npcID}/reload", h.reloadNPC)
				admin.Delete("/npcs/{npcID}", h.removeNPC)
				admin.Get("/npcs/{npcID}/sales", h.npcSales)
			})
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "npcs": len(h.world.NPCs())})
}

type credentials struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Register(r.Context(), req.Name, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, authapp.ErrNameInUse):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		case errors.Is(err, authapp.ErrInvalidName), errors.Is(err, authapp.ErrWeakPassword):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Msg("register failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		}
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) worldState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.world.WorldState())
}

func (h *Handler) worldPlayers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"players": h.world.OnlinePlayers()})
}

func (h *Handler) listNPCs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": h.world.NPCs()})
}

func (h *Handler) getNPC(w http.ResponseWriter, r *http.Request) {
	id, ok := npcIDParam(w, r)
	if !ok {
		return
	}
	st, err := h.world.NPC(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) spawnNPC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
		X   *int   `json:"x"`
		Y   *int   `json:"y"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "key is required"})
		return
	}
	var pos *domainworld.Position
	if req.X != nil && req.Y != nil {
		pos = &domainworld.Position{X: *req.X, Y: *req.Y, Z: h.world.Floor()}
	}
	st, err := h.world.SpawnNPC(r.Context(), req.Key, pos)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) reloadNPC(w http.ResponseWriter, r *http.Request) {
	id, ok := npcIDParam(w, r)
	if !ok {
		return
	}
	st, err := h.world.ReloadNPC(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) removeNPC(w http.ResponseWriter, r *http.Request) {
	id, ok := npcIDParam(w, r)
	if !ok {
		return
	}
	if err := h.world.RemoveNPC(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) npcSales(w http.ResponseWriter, r *http.Request) {
	if h.sales == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "sale ledger disabled"})
		return
	}
	id, ok := npcIDParam(w, r)
	if !ok {
		return
	}
	st, err := h.world.NPC(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sales, err := h.sales.ListByNPC(r.Context(), st.Name, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sales})
}

func npcIDParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "npcID"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid npc id"})
		return 0, false
	}
	return uint32(id), true
}

// writeError maps service errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, npc.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, npc.ErrDefinition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, npc.ErrScriptNotLoaded), errors.Is(err, worldapp.ErrTileBlocked):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, status, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		claims, err := h.auth.ParseToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFromCtx(r.Context())
		if !ok || !claims.IsAdmin() {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

func claimsFromCtx(ctx context.Context) (authapp.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(authapp.Claims)
	return c, ok
}

func (h *Handler) cors(next http.Handler) http.Handler {
	origin := h.corsOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
