package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"cartoon/internal/domain"
	"cartoon/internal/middleware"
)

type userDTO struct {
	ID       string    `json:"id"`
	GoogleID string    `json:"google_id"`
	Email    string    `json:"email,omitempty"`
	Name     string    `json:"name,omitempty"`
	Locale   string    `json:"locale"`
	SyncedAt time.Time `json:"synced_at"`
}

type syncResponse struct {
	Token  string  `json:"token,omitempty"`
	User   userDTO `json:"user"`
	Synced bool    `json:"synced"`
}

type googleSignInRequest struct {
	IDToken string `json:"id_token"`
}

func toUserDTO(u domain.User) userDTO {
	return userDTO{
		ID:       u.ID,
		GoogleID: u.GoogleID,
		Email:    u.Email,
		Name:     u.Name,
		Locale:   u.Locale,
		SyncedAt: u.SyncedAt,
	}
}

// SessionGoogle exchanges a Google ID token for a session token and mirrors
// the user into the user store.
func (a *App) SessionGoogle(w http.ResponseWriter, r *http.Request) {
	if a.Google == nil || a.Tokens == nil {
		a.error(w, http.StatusNotImplemented, "not_configured", "Google sign-in is not configured.")
		return
	}
	var req googleSignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.IDToken) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id_token is required")
		return
	}
	user, err := a.Google.VerifyIDToken(r.Context(), strings.TrimSpace(req.IDToken))
	if err != nil {
		a.Logger.Debug().Err(err).Msg("google sign-in rejected")
		a.Unauthorized(w, r, err)
		return
	}
	if user.Locale == "" {
		user.Locale = middleware.LocaleFromContext(r.Context())
	}
	stored, wrote, err := a.Sync.Sync(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	token, err := a.Tokens.Issue(stored)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, syncResponse{Token: token, User: toUserDTO(stored), Synced: wrote})
}

// SessionSync mirrors the signed-in user into the user store once per
// sign-in.
func (a *App) SessionSync(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
		return
	}
	if user.Locale == "" {
		user.Locale = middleware.LocaleFromContext(r.Context())
	}
	stored, wrote, err := a.Sync.Sync(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if wrote {
		a.Logger.Info().Str("google_id", stored.GoogleID).Msg("user synced")
	}
	a.json(w, http.StatusOK, syncResponse{User: toUserDTO(stored), Synced: wrote})
}

// SessionSignOut tears down the user's controller and sync entry.
func (a *App) SessionSignOut(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
		return
	}
	a.Sessions.Release(user.GoogleID)
	a.Sync.Forget(user.ExternalID())
	w.WriteHeader(http.StatusNoContent)
}
