package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"cartoon/internal/domain"
	"cartoon/internal/generation"
)

type optionsRequest struct {
	PresetID    *string `json:"preset_id"`
	Prompt      *string `json:"prompt"`
	AspectRatio *string `json:"aspect_ratio"`
	Enhance     *bool   `json:"enhance"`
}

type startResponse struct {
	TaskID string              `json:"task_id"`
	State  generation.Snapshot `json:"state"`
}

type saveRequest struct {
	Ref string `json:"ref"`
}

type saveResponse struct {
	Key string `json:"key"`
}

func (a *App) GenerationState(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, ctrl.Snapshot())
}

// GenerationUploadFile accepts the multipart field "file" as the source photo.
func (a *App) GenerationUploadFile(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	limit := a.MaxUploadBytes
	if limit <= 0 {
		limit = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "file_too_large", "The photo is too large.")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, header, err := r.FormFile("file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "file field is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "could not read file")
		return
	}
	if int64(len(data)) > limit {
		a.error(w, http.StatusRequestEntityTooLarge, "file_too_large", "The photo is too large.")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		a.fail(w, r, domain.NewError(domain.ErrValidation, "Please choose an image file.", nil))
		return
	}

	if err := ctrl.SelectFile(domain.ImageFile{Name: header.Filename, ContentType: contentType, Data: data}); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, ctrl.Snapshot())
}

// GenerationOptions applies preset, prompt, ratio and enhance changes. A
// preset is applied before the prompt so an explicit prompt wins.
func (a *App) GenerationOptions(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.AspectRatio != nil {
		if err := ctrl.SetAspectRatio(*req.AspectRatio); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	if req.PresetID != nil {
		ctrl.SelectPreset(*req.PresetID)
	}
	if req.Prompt != nil {
		ctrl.EditPrompt(*req.Prompt)
	}
	if req.Enhance != nil {
		ctrl.SetEnhance(*req.Enhance)
	}
	a.json(w, http.StatusOK, ctrl.Snapshot())
}

func (a *App) GenerationStart(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	taskID, err := ctrl.StartGeneration(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, startResponse{TaskID: taskID, State: ctrl.Snapshot()})
}

func (a *App) GenerationRedo(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	ctrl.Redo()
	a.json(w, http.StatusOK, ctrl.Snapshot())
}

// GenerationCancel tears down the attempt and drops the selected photo.
func (a *App) GenerationCancel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	ctrl.RemoveFile()
	a.json(w, http.StatusOK, ctrl.Snapshot())
}

func (a *App) GenerationSave(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := a.controller(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}
	key, err := ctrl.SaveResult(r.Context(), req.Ref)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, saveResponse{Key: key})
}
