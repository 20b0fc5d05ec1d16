package handlers

import (
	"net/http"

	"cartoon/internal/middleware"
)

type pageResponse struct {
	Locale  string   `json:"locale"`
	Country string   `json:"country,omitempty"`
	Path    string   `json:"path"`
	Locales []string `json:"locales"`
}

// Page answers locale-prefixed page paths with the resolved locale so the
// front end can render the right translation.
func (a *App) Page(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, pageResponse{
		Locale:  middleware.LocaleFromContext(r.Context()),
		Country: middleware.CountryFromContext(r.Context()),
		Path:    r.URL.Path,
		Locales: a.Locales.Codes(),
	})
}
