package domain

import (
	"fmt"
	"strings"
)

// AspectRatio is the output size accepted by the generation backend.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "1:1"
	AspectLandscape AspectRatio = "3:2"
	AspectPortrait  AspectRatio = "2:3"

	// DefaultAspectRatio is applied to fresh requests.
	DefaultAspectRatio = AspectSquare
)

var allowedAspectRatios = map[AspectRatio]struct{}{
	AspectSquare:    {},
	AspectLandscape: {},
	AspectPortrait:  {},
}

// AspectRatios lists the accepted ratios in display order.
func AspectRatios() []AspectRatio {
	return []AspectRatio{AspectSquare, AspectLandscape, AspectPortrait}
}

// ParseAspectRatio validates raw against the accepted set.
func ParseAspectRatio(raw string) (AspectRatio, error) {
	r := AspectRatio(strings.TrimSpace(raw))
	if _, ok := allowedAspectRatios[r]; !ok {
		return "", NewError(ErrValidation, fmt.Sprintf("unsupported aspect ratio %q", raw), nil)
	}
	return r, nil
}

// ImageFile is the user-supplied source photo.
type ImageFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// GenerationRequest is the user input for one attempt.
type GenerationRequest struct {
	File        *ImageFile
	Prompt      string
	AspectRatio AspectRatio
	Enhance     bool
}

// NewGenerationRequest returns a request with defaults applied.
func NewGenerationRequest() GenerationRequest {
	return GenerationRequest{AspectRatio: DefaultAspectRatio}
}

// Preset is a static style catalog entry.
type Preset struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	DefaultPrompt string `json:"default_prompt" yaml:"prompt"`
	ThumbnailRef  string `json:"thumbnail" yaml:"thumbnail"`
	Sort          int    `json:"-" yaml:"sort"`
}
