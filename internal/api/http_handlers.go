package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	authapp "vtt-server/internal/app/auth"
	backupapp "vtt-server/internal/app/backup"
	charapp "vtt-server/internal/app/character"
	legacyapp "vtt-server/internal/app/legacy"
	sessionapp "vtt-server/internal/app/session"
	syncapp "vtt-server/internal/app/syncqueue"
	"vtt-server/internal/domain/character"
)

type Handler struct {
	logger      zerolog.Logger
	auth        *authapp.Service
	characters  *charapp.Service
	sessions    *sessionapp.Service
	backups     *backupapp.Service
	sync        *syncapp.Service
	migration   *legacyapp.Service
	corsOrigin  string
	maxBodySize int64
}

type contextKey string

const userIDContextKey contextKey = "user_id"

func NewHandler(
	logger zerolog.Logger,
	auth *authapp.Service,
	characters *charapp.Service,
	sessions *sessionapp.Service,
	backups *backupapp.Service,
	sync *syncapp.Service,
	migration *legacyapp.Service,
	corsOrigin string,
	maxBodySize int64,
) *Handler {
	return &Handler{
		logger:      logger,
		auth:        auth,
		characters:  characters,
		sessions:    sessions,
		backups:     backups,
		sync:        sync,
		migration:   migration,
		corsOrigin:  corsOrigin,
		maxBodySize: maxBodySize,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(20 * time.Second))
	r.Use(h.cors)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/auth/register", h.register)
		v1.Post("/auth/login", h.login)
		v1.Get("/sync/ws", h.syncWS)

		v1.Group(func(protected chi.Router) {
			protected.Use(h.authMiddleware)

			protected.Get("/characters", h.listCharacters)
			protected.Post("/characters", h.createCharacter)
			protected.Get("/characters/{characterID}", h.getCharacter)
			protected.Put("/characters/{characterID}", h.saveCharacter)
			protected.Delete("/characters/{characterID}", h.deleteCharacter)

			protected.Post("/characters/{characterID}/session", h.startSession)
			protected.Post("/characters/{characterID}/session/changes", h.recordChange)
			protected.Post("/characters/{characterID}/session/end", h.endSession)
			protected.Post("/characters/{characterID}/session/force-end", h.forceEndSessions)

			protected.Get("/characters/{characterID}/backups", h.listBackups)
			protected.Post("/characters/{characterID}/backups", h.createBackup)
			protected.Post("/characters/{characterID}/backups/{backupID}/restore", h.restoreBackup)

			protected.Get("/sync/status", h.syncStatus)
			protected.Post("/sync/drain", h.syncDrain)
			protected.Post("/sync/online", h.syncOnline)

			protected.Get("/migration/status", h.migrationStatus)
			protected.Post("/migration/run", h.migrationRun)
			protected.Post("/migration/backup", h.migrationBackup)
			protected.Post("/migration/restore", h.migrationRestore)
			protected.Post("/migration/cleanup", h.migrationCleanup)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authapp.ErrEmailInUse) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request"})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listCharacters(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	chars, err := h.characters.LoadAllForUser(r.Context(), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": chars})
}

func (h *Handler) createCharacter(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var rec character.Record
	if !h.decodeBody(w, r, &rec) {
		return
	}
	created, err := h.characters.Create(r.Context(), uid, &rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getCharacter(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	rec, err := h.characters.Load(r.Context(), chi.URLParam(r, "characterID"), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) saveCharacter(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var rec character.Record
	if !h.decodeBody(w, r, &rec) {
		return
	}
	rec.ID = chi.URLParam(r, "characterID")
	saved, err := h.characters.Save(r.Context(), uid, &rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) deleteCharacter(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := h.characters.Delete(r.Context(), chi.URLParam(r, "characterID"), uid); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		RoomID string `json:"roomId"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	sessionID, err := h.sessions.StartSession(r.Context(), chi.URLParam(r, "characterID"), uid, req.RoomID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": sessionID})
}

func (h *Handler) recordChange(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		ChangeType string         `json:"changeType"`
		Data       map[string]any `json:"data"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	recorded, err := h.sessions.RecordChange(r.Context(), chi.URLParam(r, "characterID"), uid, req.ChangeType, req.Data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	rec, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "characterID"), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) forceEndSessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	if err := h.sessions.ForceEndAllSessions(r.Context(), chi.URLParam(r, "characterID"), uid); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	snaps, err := h.backups.ListBackups(r.Context(), chi.URLParam(r, "characterID"), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": snaps})
}

func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = backupapp.ReasonManual
	}
	snap, err := h.backups.CreateBackup(r.Context(), chi.URLParam(r, "characterID"), uid, req.Reason, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) restoreBackup(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	rec, err := h.backups.RestoreFromBackup(r.Context(), chi.URLParam(r, "backupID"), chi.URLParam(r, "characterID"), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sync.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) syncDrain(w http.ResponseWriter, r *http.Request) {
	synced, err := h.sync.Sync(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

func (h *Handler) syncOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	h.sync.SetOnline(r.Context(), req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": req.Online})
}

func (h *Handler) migrationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.migration.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) migrationRun(w http.ResponseWriter, r *http.Request) {
	uid, ok := userIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	summary, err := h.migration.MigrateAllCharacters(r.Context(), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) migrationBackup(w http.ResponseWriter, r *http.Request) {
	key, err := h.migration.BackupLegacy(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"backupKey": key})
}

func (h *Handler) migrationRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupKey string `json:"backupKey"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.migration.RestoreLegacy(r.Context(), req.BackupKey); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": true})
}

func (h *Handler) migrationCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := h.migration.CleanupAfterMigration(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned": cleaned})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// syncWS streams the offline queue status to the client and accepts
// online/offline transitions and explicit drain requests over the same
// connection.
func (h *Handler) syncWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		token = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing token"})
		return
	}
	if _, err := h.auth.ParseToken(token); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	done := make(chan struct{})
	go h.syncWritePump(r.Context(), conn, done)
	h.syncReadPump(r.Context(), conn)
	close(done)
}

func (h *Handler) syncReadPump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(2048)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg struct {
			Type   string `json:"type"`
			Online bool   `json:"online"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "online":
			h.sync.SetOnline(ctx, msg.Online)
		case "sync":
			if _, err := h.sync.Sync(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("websocket-triggered sync failed")
			}
		}
	}
}

func (h *Handler) syncWritePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	statusTicker := time.NewTicker(5 * time.Second)
	pingTicker := time.NewTicker(20 * time.Second)
	defer statusTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-statusTicker.C:
			status, err := h.sync.Status(ctx)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(map[string]any{"type": "status", "status": status}); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		uid, err := h.auth.ParseToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(userIDContextKey)
	uid, ok := v.(uuid.UUID)
	return uid, ok
}

// writeError maps the error kinds of the character core onto HTTP
// statuses. Unknown errors become 500 and are logged.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, character.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, authapp.ErrNotAuthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "not authenticated"})
	case errors.Is(err, character.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "access denied"})
	case errors.Is(err, character.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, character.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "version conflict"})
	case errors.Is(err, character.ErrStorageUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "storage unavailable"})
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func (h *Handler) cors(next http.Handler) http.Handler {
	origin := h.corsOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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
