package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartoon/internal/adapter/repo"
	"cartoon/internal/clock"
	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/internal/history"
	"cartoon/internal/http/handlers"
	"cartoon/internal/identity"
	"cartoon/internal/imagegen"
	"cartoon/internal/middleware"
	"cartoon/internal/presets"
	"cartoon/internal/sessions"
)

type fakeBackend struct {
	ent      domain.Entitlement
	checks   atomic.Int32
	generate atomic.Int32
	history  atomic.Int32
}

func (f *fakeBackend) Generate(context.Context, imagegen.SubmitRequest) (string, error) {
	f.generate.Add(1)
	return "task-42", nil
}

func (f *fakeBackend) Check(context.Context, string) (imagegen.CheckResult, error) {
	if f.checks.Add(1) == 1 {
		return imagegen.CheckResult{Status: domain.ServerStatusPending}, nil
	}
	return imagegen.CheckResult{Status: domain.ServerStatusSucceeded, DistImage: "https://x/y.png"}, nil
}

func (f *fakeBackend) UserInfo(context.Context, string) (domain.Entitlement, error) {
	return f.ent, nil
}

func (f *fakeBackend) History(_ context.Context, googleID string, page, pageSize int) (domain.HistoryPage, error) {
	f.history.Add(1)
	return domain.HistoryPage{
		Items:    []domain.HistoryItem{{ID: "1", ResultImageRef: "https://x/old.png"}},
		Total:    1,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

type stubGoogle struct{}

func (stubGoogle) VerifyIDToken(_ context.Context, raw string) (domain.User, error) {
	if raw != "good-id-token" {
		return domain.User{}, identity.ErrTokenInvalid
	}
	return domain.User{GoogleID: "g-7", Email: "g7@example.com"}, nil
}

type harness struct {
	handler  http.Handler
	backend  *fakeBackend
	clock    *clock.Fake
	registry *sessions.Registry
	token    string
	verifier *identity.Verifier
}

func newHarness(t *testing.T, ent domain.Entitlement) *harness {
	t.Helper()
	backend := &fakeBackend{ent: ent}
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	catalog, err := presets.Load()
	require.NoError(t, err)
	hist, err := history.NewService(backend, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(hist.Close)

	registry := sessions.NewRegistry(func(googleID string) *generation.Controller {
		return generation.New(generation.Options{
			API:          backend,
			Entitlements: backend,
			Identity:     identity.ContextIdentity{},
			Presets:      catalog,
			Results:      hist,
			Clock:        clk,
			OnSuccess:    func(string, string) { hist.Invalidate(googleID) },
		})
	}, time.Hour, zerolog.Nop())
	t.Cleanup(registry.Close)

	verifier, err := identity.NewVerifier("test-secret", time.Hour)
	require.NoError(t, err)
	token, err := verifier.Issue(domain.User{GoogleID: "g-1", Email: "a@b.c", Locale: "ja"})
	require.NoError(t, err)

	app := &handlers.App{
		Logger:       zerolog.Nop(),
		Google:       stubGoogle{},
		Tokens:       verifier,
		Presets:      catalog,
		Sessions:     registry,
		Sync:         identity.NewSyncTracker(repo.NewUserRepositoryMemory()),
		Entitlements: backend,
		History:      hist,
		Locales:      middleware.NewLocales([]string{"en", "ja"}, "en"),
	}
	h := NewRouter(app, Options{
		Logger:          zerolog.Nop(),
		Verifier:        verifier,
		RateLimitPerMin: 1000,
	})
	return &harness{handler: h, backend: backend, clock: clk, registry: registry, token: token, verifier: verifier}
}

func (h *harness) do(t *testing.T, method, target string, body []byte, contentType string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) upload(t *testing.T) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="me.png"`},
		"Content-Type":        {"image/png"},
	})
	require.NoError(t, err)
	_, _ = part.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	require.NoError(t, mw.Close())
	return h.do(t, http.MethodPost, "/v1/generation/file", buf.Bytes(), mw.FormDataContentType(), true)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorEnvelope struct {
	Error struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Redirect string `json:"redirect"`
	} `json:"error"`
}

func TestPublicRoutes(t *testing.T) {
	h := newHarness(t, domain.Entitlement{FreeCreditsRemaining: 1})

	rec := h.do(t, http.MethodGet, "/v1/healthz", nil, "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/presets", nil, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Presets      []domain.Preset `json:"presets"`
		AspectRatios []string        `json:"aspect_ratios"`
	}](t, rec)
	assert.NotEmpty(t, body.Presets)
	assert.Equal(t, []string{"1:1", "3:2", "2:3"}, body.AspectRatios)
}

func TestLocalePages(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})

	rec := h.do(t, http.MethodGet, "/pricing?x=1", nil, "", false)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/en/pricing?x=1", rec.Header().Get("Location"))

	rec = h.do(t, http.MethodGet, "/ja/pricing", nil, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Locale string `json:"locale"`
		Path   string `json:"path"`
	}](t, rec)
	assert.Equal(t, "ja", page.Locale)
	assert.Equal(t, "/pricing", page.Path)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, domain.Entitlement{FreeCreditsRemaining: 1})
	rec := h.do(t, http.MethodPost, "/v1/generation/start", nil, "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "auth_required", decode[errorEnvelope](t, rec).Error.Code)
}

func TestGenerationFlow(t *testing.T) {
	h := newHarness(t, domain.Entitlement{FreeCreditsRemaining: 2})

	rec := h.do(t, http.MethodPost, "/v1/session/sync", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sync := decode[struct {
		User struct {
			GoogleID string `json:"google_id"`
			Locale   string `json:"locale"`
		} `json:"user"`
		Synced bool `json:"synced"`
	}](t, rec)
	assert.True(t, sync.Synced)
	assert.Equal(t, "ja", sync.User.Locale)

	rec = h.do(t, http.MethodPost, "/v1/generation/start", nil, "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_file", decode[errorEnvelope](t, rec).Error.Code)

	rec = h.upload(t)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPut, "/v1/generation/options", []byte(`{"aspect_ratio":"4:3"}`), "application/json", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorEnvelope](t, rec).Error.Code)

	rec = h.do(t, http.MethodPut, "/v1/generation/options", []byte(`{"preset_id":"ghibli","aspect_ratio":"3:2","enhance":true}`), "application/json", true)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[generation.Snapshot](t, rec)
	assert.Equal(t, domain.AspectRatio("3:2"), snap.AspectRatio)
	assert.True(t, snap.Enhance)
	assert.NotEmpty(t, snap.Prompt)
	assert.True(t, snap.HasFile)

	rec = h.do(t, http.MethodPost, "/v1/generation/start", nil, "", true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[struct {
		TaskID string `json:"task_id"`
	}](t, rec)
	assert.Equal(t, "task-42", started.TaskID)

	rec = h.do(t, http.MethodPost, "/v1/generation/start", nil, "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.True(t, h.clock.WaitForTimers(1, time.Second))
	h.clock.Advance(generation.DefaultPollInterval)

	ctrl, ok := h.registry.Peek("g-1")
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := ctrl.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSucceeded, final.Phase)

	rec = h.do(t, http.MethodGet, "/v1/generation", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[generation.Snapshot](t, rec)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "https://x/y.png", snap.ResultURL)

	rec = h.do(t, http.MethodPost, "/v1/generation/redo", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[generation.Snapshot](t, rec)
	assert.Empty(t, snap.ResultURL)
	assert.True(t, snap.HasFile)

	rec = h.do(t, http.MethodDelete, "/v1/generation", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[generation.Snapshot](t, rec).HasFile)

	rec = h.do(t, http.MethodPost, "/v1/session/signout", nil, "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = h.registry.Peek("g-1")
	assert.False(t, ok)
}

func TestStartWithoutCreditsIsSoft(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})
	require.Equal(t, http.StatusOK, h.upload(t).Code)

	rec := h.do(t, http.MethodPost, "/v1/generation/start", nil, "", true)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[errorEnvelope](t, rec)
	assert.Equal(t, "insufficient_tier", body.Error.Code)
	assert.Equal(t, "pricing", body.Error.Redirect)
	assert.Zero(t, h.backend.generate.Load())

	rec = h.do(t, http.MethodGet, "/v1/generation", nil, "", true)
	snap := decode[generation.Snapshot](t, rec)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Error)
}

func TestUploadRejectsNonImages(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("just text"))
	require.NoError(t, mw.Close())

	rec := h.do(t, http.MethodPost, "/v1/generation/file", buf.Bytes(), mw.FormDataContentType(), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorEnvelope](t, rec).Error.Code)
}

func TestProfileRoutes(t *testing.T) {
	h := newHarness(t, domain.Entitlement{FreeCreditsRemaining: 3, AccountTier: 0})

	rec := h.do(t, http.MethodGet, "/v1/profile/credits", nil, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	credits := decode[struct {
		Free        int  `json:"free_credits_remaining"`
		CanGenerate bool `json:"can_generate"`
	}](t, rec)
	assert.Equal(t, 3, credits.Free)
	assert.True(t, credits.CanGenerate)

	for i := 0; i < 2; i++ {
		rec = h.do(t, http.MethodGet, "/v1/profile/history?page=1&page_size=5", nil, "", true)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	page := decode[domain.HistoryPage](t, rec)
	assert.Equal(t, 5, page.PageSize)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int32(1), h.backend.history.Load())
}

func TestSaveWithoutResult(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})
	rec := h.do(t, http.MethodPost, "/v1/generation/save", nil, "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorEnvelope](t, rec).Error.Code)
}

func TestSaveRefusesLinksOutsideOwnResults(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})
	for _, ref := range []string{"http://169.254.169.254/latest/meta-data/y.png", "https://x/someone-else.png"} {
		body, err := json.Marshal(map[string]string{"ref": ref})
		require.NoError(t, err)
		rec := h.do(t, http.MethodPost, "/v1/generation/save", body, "application/json", true)
		assert.Equal(t, http.StatusForbidden, rec.Code, ref)
		assert.Equal(t, "forbidden", decode[errorEnvelope](t, rec).Error.Code)
	}
	assert.Equal(t, int32(1), h.backend.history.Load())
}

func TestGoogleSignInIssuesSessionToken(t *testing.T) {
	h := newHarness(t, domain.Entitlement{})

	rec := h.do(t, http.MethodPost, "/v1/session/google", []byte(`{"id_token":"bad"}`), "application/json", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/session/google", []byte(`{}`), "application/json", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/session/google", bytes.NewReader([]byte(`{"id_token":"good-id-token"}`)))
	req.Header.Set("Accept-Language", "ja")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Token string `json:"token"`
		User  struct {
			ID       string `json:"id"`
			GoogleID string `json:"google_id"`
			Locale   string `json:"locale"`
		} `json:"user"`
		Synced bool `json:"synced"`
	}](t, rec)
	assert.True(t, body.Synced)
	assert.NotEmpty(t, body.User.ID)
	assert.Equal(t, "ja", body.User.Locale)

	claims, err := h.verifier.Verify(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "g-7", claims.GoogleID)
}
