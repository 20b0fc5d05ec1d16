package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/internal/history"
	"cartoon/internal/identity"
	"cartoon/internal/imagegen"
	"cartoon/internal/middleware"
	"cartoon/internal/presets"
	"cartoon/internal/sessions"
)

// DefaultMaxUploadBytes caps the size of an uploaded source photo.
const DefaultMaxUploadBytes = 10 << 20

// GoogleSignIn verifies Google ID tokens.
type GoogleSignIn interface {
	VerifyIDToken(ctx context.Context, raw string) (domain.User, error)
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(user domain.User) (string, error)
}

// App holds the collaborators shared by every handler.
type App struct {
	Logger         zerolog.Logger
	Google         GoogleSignIn
	Tokens         TokenIssuer
	Presets        *presets.Catalog
	Sessions       *sessions.Registry
	Sync           *identity.SyncTracker
	Entitlements   imagegen.EntitlementSource
	History        *history.Service
	Locales        *middleware.Locales
	MaxUploadBytes int64
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// fail maps a domain error onto an HTTP status and stable error code.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	detail := errorDetail{Code: code, Message: domain.UserMessage(err)}
	if errors.Is(err, domain.ErrInsufficientTier) {
		detail.Redirect = "pricing"
	}
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	a.json(w, status, errorBody{Error: detail})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuthRequired), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "auth_required"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrInsufficientTier):
		return http.StatusPaymentRequired, "insufficient_tier"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNoFile):
		return http.StatusBadRequest, "no_file"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, context.Canceled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, domain.ErrEntitlementCheckFailed):
		return http.StatusBadGateway, "entitlement_check_failed"
	case errors.Is(err, domain.ErrGenerationSubmitFailed):
		return http.StatusBadGateway, "generation_submit_failed"
	case errors.Is(err, domain.ErrPollingFailed):
		return http.StatusBadGateway, "polling_failed"
	case errors.Is(err, domain.ErrTaskFailed):
		return http.StatusBadGateway, "task_failed"
	case errors.Is(err, domain.ErrDownloadFailed):
		return http.StatusBadGateway, "download_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// Unauthorized is the rejection handler for the bearer-token middleware.
func (a *App) Unauthorized(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, identity.ErrTokenExpired) {
		a.error(w, http.StatusUnauthorized, "token_expired", "Your session has expired. Please sign in again.")
		return
	}
	a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
}

func (a *App) currentUser(r *http.Request) (domain.User, bool) {
	return identity.UserFromContext(r.Context())
}

// controller returns the signed-in user's controller or writes an error.
func (a *App) controller(w http.ResponseWriter, r *http.Request) (*generation.Controller, bool) {
	user, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
		return nil, false
	}
	ctrl := a.Sessions.Get(user.GoogleID)
	if ctrl == nil {
		a.error(w, http.StatusServiceUnavailable, "shutting_down", "The service is shutting down.")
		return nil, false
	}
	return ctrl, true
}
