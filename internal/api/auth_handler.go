package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"sqlpilot/internal/service"
)

const sessionName = "sqlpilot-session"

type AuthHandler struct {
	authSvc *service.AuthService
	store   *sessions.CookieStore
	logger  *zap.Logger
}

func NewAuthHandler(authSvc *service.AuthService, sessionKey string, secure bool, logger *zap.Logger) *AuthHandler {
	// The master key doubles as the cookie signing key
	store := sessions.NewCookieStore([]byte(sessionKey))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &AuthHandler{
		authSvc: authSvc,
		store:   store,
		logger:  logger.Named("auth"),
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	user, err := h.authSvc.Signup(r.Context(), in.Username, in.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("User created", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	writeJSON(w, http.StatusCreated, map[string]any{"message": "User created successfully", "user": user})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if !decodeJSON(w, r, h.logger, &in) {
		return
	}

	user, err := h.authSvc.Authenticate(r.Context(), in.Username, in.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Set Session
	session, _ := h.store.Get(r, sessionName)
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username
	if err := session.Save(r, w); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, _ := h.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session, _ := h.store.Get(r, sessionName)
	id, _ := userIDFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "username": session.Values["username"]})
}

// RequireUser rejects requests without a logged in session and puts the user id in the context.
func (h *AuthHandler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.store.Get(r, sessionName)
		if err != nil && !errors.Is(err, http.ErrNoCookie) {
			h.logger.Debug("Discarding unreadable session", zap.Error(err))
		}
		id, ok := session.Values["user_id"].(int64)
		if !ok || id == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), id)))
	})
}
