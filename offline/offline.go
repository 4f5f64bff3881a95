// Package offline answers a fixed set of account, session and score
// endpoints from the durable store while the origin is unreachable. Logins
// are accepted without verification (none is possible offline); every
// accepted score submission is captured durably for later reconciliation.
package offline

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maiproxy/maiproxy/store"
)

// SessionCookie is the cookie the origin uses for its sessions; offline
// tokens are issued under the same name so clients cannot tell the modes
// apart.
const SessionCookie = "connect.sid"

//go:embed avatar.png
var placeholderAvatar []byte

// Handler serves the emulated endpoint set.
type Handler struct {
	credentials *store.CredentialStore
	sessions    *store.SessionStore
	queue       *store.MutationQueue
	log         zerolog.Logger
	mux         *chi.Mux
}

func NewHandler(creds *store.CredentialStore, sessions *store.SessionStore, queue *store.MutationQueue, log zerolog.Logger) *Handler {
	h := &Handler{
		credentials: creds,
		sessions:    sessions,
		queue:       queue,
		log:         log.With().Str("component", "offline").Logger(),
	}
	mux := chi.NewRouter()
	mux.Handle("/api/account/register", http.HandlerFunc(h.register))
	mux.Post("/api/account/login", h.login)
	mux.Get("/api/account/info", h.info)
	mux.Get("/api/account/icon", h.icon)
	mux.Get("/api/account/icon/*", h.icon)
	mux.Get("/api/maichart/{id}/interact", h.interact)
	mux.Post("/api/maichart/{id}/score", h.score)
	mux.Post("/api/account/logout", h.logout)
	h.mux = mux
	return h
}

// Matches reports whether the request targets an emulated endpoint. The
// router uses it to decide interception; non-emulated requests fall through
// to the passthrough path.
func (h *Handler) Matches(r *http.Request) bool {
	rctx := chi.NewRouteContext()
	return h.mux.Match(rctx, r.Method, r.URL.Path)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// register is unavailable under degrade, not silently accepted.
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

type profile struct {
	Username  string `json:"username"`
	IsAdmin   bool   `json:"isAdmin"`
	AvatarURL string `json:"avatarUrl"`
}

func profileFor(username string) profile {
	return profile{
		Username:  username,
		AvatarURL: "/api/account/Avatar/" + username,
	}
}

// login accepts any non-empty username. The password blob is stored opaquely
// so reconciliation can later authenticate against the origin for real.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := h.credentials.Save(username, password); err != nil {
		h.log.Error().Err(err).Str("username", username).Msg("Could not store credential")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	token := newSessionToken()
	if err := h.sessions.Save(token, username); err != nil {
		h.log.Error().Err(err).Str("username", username).Msg("Could not store session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(store.SessionTTL / time.Second),
	})
	h.log.Debug().Str("username", username).Msg("Offline login")
	writeJSON(w, http.StatusOK, profileFor(username))
}

func newSessionToken() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixMilli(), random[:13])
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	username, ok := h.sessionUser(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, profileFor(username))
}

// icon ignores the requested identity and serves a fixed placeholder.
func (h *Handler) icon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(placeholderAvatar)
}

type interaction struct {
	IsLiked   bool     `json:"IsLiked"`
	LikeCount int      `json:"LikeCount"`
	Likes     []string `json:"Likes"`
}

// interact returns a neutral engagement payload for any chart.
func (h *Handler) interact(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, interaction{Likes: []string{}})
}

// score enqueues the submission durably. The key is unique even for rapid
// repeated submissions on the same chart, so an unsynced score is never
// overwritten.
func (h *Handler) score(w http.ResponseWriter, r *http.Request) {
	username, ok := h.sessionUser(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chartID := chi.URLParam(r, "id")
	payload, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(payload) {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	key, err := h.queue.Enqueue(username, chartID, payload)
	if err != nil {
		h.log.Error().Err(err).Str("username", username).Str("chart", chartID).Msg("Could not enqueue score")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.log.Debug().Str("username", username).Str("chart", chartID).Str("key", key).Msg("Score queued")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// logout deletes the session if one is presented. A missing or unknown
// cookie is a no-op, not an error.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if err := h.sessions.Delete(cookie.Value); err != nil {
			h.log.Error().Err(err).Msg("Could not delete session")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:    SessionCookie,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"logout": true})
}

func (h *Handler) sessionUser(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", false
	}
	username, err := h.sessions.Resolve(cookie.Value)
	if err != nil {
		return "", false
	}
	return username, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
