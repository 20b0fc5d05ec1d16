package handlers

import (
	"net/http"
	"strconv"

	"cartoon/internal/domain"
)

type creditsResponse struct {
	FreeCreditsRemaining int  `json:"free_credits_remaining"`
	AccountTier          int  `json:"account_tier"`
	CanGenerate          bool `json:"can_generate"`
}

func (a *App) ProfileCredits(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
		return
	}
	ent, err := a.Entitlements.UserInfo(r.Context(), user.GoogleID)
	if err != nil {
		a.fail(w, r, domain.NewError(domain.ErrEntitlementCheckFailed, "We could not load your credits. Please try again.", err))
		return
	}
	a.json(w, http.StatusOK, creditsResponse{
		FreeCreditsRemaining: ent.FreeCreditsRemaining,
		AccountTier:          ent.AccountTier,
		CanGenerate:          ent.CanGenerate(),
	})
}

// ProfileHistory lists past generations. Query: page, page_size.
func (a *App) ProfileHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "auth_required", "Please sign in to continue.")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	p, err := a.History.Page(r.Context(), user.GoogleID, page, size)
	if err != nil {
		a.error(w, http.StatusBadGateway, "history_unavailable", "We could not load your history. Please try again.")
		return
	}
	a.json(w, http.StatusOK, p)
}
