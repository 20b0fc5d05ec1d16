package handlers

import (
	"net/http"

	"cartoon/internal/domain"
)

type presetsResponse struct {
	Presets      []domain.Preset      `json:"presets"`
	AspectRatios []domain.AspectRatio `json:"aspect_ratios"`
}

func (a *App) ListPresets(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, presetsResponse{
		Presets:      a.Presets.All(),
		AspectRatios: domain.AspectRatios(),
	})
}
