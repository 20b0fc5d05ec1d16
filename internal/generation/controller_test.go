package generation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartoon/internal/clock"
	"cartoon/internal/domain"
	"cartoon/internal/imagegen"
)

type stubAPI struct {
	mu        sync.Mutex
	submitted []imagegen.SubmitRequest
	taskID    string
	submitErr error
	checks    []checkReply
	checkN    atomic.Int32
}

type checkReply struct {
	res imagegen.CheckResult
	err error
}

func (s *stubAPI) Generate(_ context.Context, req imagegen.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req)
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.taskID, nil
}

func (s *stubAPI) Check(_ context.Context, _ string) (imagegen.CheckResult, error) {
	n := int(s.checkN.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checks) == 0 {
		return imagegen.CheckResult{Status: domain.ServerStatusPending}, nil
	}
	if n >= len(s.checks) {
		n = len(s.checks) - 1
	}
	return s.checks[n].res, s.checks[n].err
}

func (s *stubAPI) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type stubEntitlements struct {
	ent   domain.Entitlement
	err   error
	block bool
}

func (s stubEntitlements) UserInfo(ctx context.Context, _ string) (domain.Entitlement, error) {
	if s.block {
		<-ctx.Done()
		return domain.Entitlement{}, ctx.Err()
	}
	return s.ent, s.err
}

type presetMap map[string]domain.Preset

func (m presetMap) Lookup(id string) (domain.Preset, bool) {
	p, ok := m[id]
	return p, ok
}

func pending() checkReply {
	return checkReply{res: imagegen.CheckResult{Status: domain.ServerStatusPending}}
}

func done(image string) checkReply {
	return checkReply{res: imagegen.CheckResult{Status: domain.ServerStatusSucceeded, DistImage: image}}
}

func newTestController(t *testing.T, api *stubAPI, ent stubEntitlements) (*Controller, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctrl := New(Options{
		API:          api,
		Entitlements: ent,
		Identity:     StaticIdentity("g-123"),
		Presets: presetMap{
			"ghibli": {ID: "ghibli", DefaultPrompt: "studio ghibli style"},
		},
		Clock: clk,
	})
	require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "me.jpg", ContentType: "image/jpeg", Data: []byte("jpeg")}))
	return ctrl, clk
}

func freeCredits(n int) stubEntitlements {
	return stubEntitlements{ent: domain.Entitlement{FreeCreditsRemaining: n}}
}

func TestSetAspectRatioRejectsUnknownValues(t *testing.T) {
	ctrl, _ := newTestController(t, &stubAPI{}, freeCredits(1))
	require.NoError(t, ctrl.SetAspectRatio("3:2"))

	for _, bad := range []string{"", "4:3", "16:9", "1:2", "square"} {
		err := ctrl.SetAspectRatio(bad)
		require.Error(t, err, "ratio %q", bad)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Equal(t, domain.AspectRatio("3:2"), ctrl.Snapshot().AspectRatio)
	}
}

func TestEntitlementGate(t *testing.T) {
	tests := []struct {
		name       string
		ent        domain.Entitlement
		wantSubmit bool
	}{
		{name: "free credits win over tier", ent: domain.Entitlement{FreeCreditsRemaining: 3}, wantSubmit: true},
		{name: "no credits free tier", ent: domain.Entitlement{}, wantSubmit: false},
		{name: "paid tier without credits", ent: domain.Entitlement{AccountTier: 1}, wantSubmit: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &stubAPI{taskID: "task-1"}
			ctrl, _ := newTestController(t, api, stubEntitlements{ent: tc.ent})
			t.Cleanup(ctrl.Cancel)

			id, err := ctrl.StartGeneration(context.Background())
			snap := ctrl.Snapshot()
			if tc.wantSubmit {
				require.NoError(t, err)
				assert.Equal(t, "task-1", id)
				assert.Equal(t, 1, api.submissions())
				assert.True(t, snap.Generating)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientTier)
			assert.True(t, domain.Recoverable(err))
			assert.Equal(t, 0, api.submissions())
			assert.Equal(t, domain.PhaseIdle, snap.Phase)
			assert.False(t, snap.Generating)
			assert.Empty(t, snap.Error)
		})
	}
}

func TestPendingResponsesKeepOneTimer(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	ctrl, clk := newTestController(t, api, freeCredits(1))
	t.Cleanup(ctrl.Cancel)

	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		require.True(t, clk.WaitForTimers(1, time.Second), "round %d: follow-up not armed", i)
		require.Eventually(t, func() bool { return api.checkN.Load() == int32(i) }, time.Second, time.Millisecond)
		assert.LessOrEqual(t, clk.PendingTimers(), 1)
		clk.Advance(DefaultPollInterval)
	}
	require.True(t, clk.WaitForTimers(1, time.Second))
	assert.Equal(t, 1, clk.PendingTimers())
	assert.Equal(t, domain.PhasePolling, ctrl.Snapshot().Phase)
}

func TestSuccessRequiresImageReference(t *testing.T) {
	t.Run("status 1 with image", func(t *testing.T) {
		var hooked atomic.Value
		api := &stubAPI{taskID: "task-1", checks: []checkReply{done("https://x/y.png")}}
		clk := clock.NewFake(time.Now())
		ctrl := New(Options{
			API:          api,
			Entitlements: freeCredits(1),
			Identity:     StaticIdentity("g-1"),
			Clock:        clk,
			OnSuccess:    func(_, ref string) { hooked.Store(ref) },
		})
		require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "a.png", Data: []byte{1}}))

		_, err := ctrl.StartGeneration(context.Background())
		require.NoError(t, err)
		snap, err := ctrl.Wait(waitCtx(t))
		require.NoError(t, err)

		assert.Equal(t, domain.PhaseSucceeded, snap.Phase)
		assert.Equal(t, 100, snap.Progress)
		assert.Equal(t, "https://x/y.png", snap.ResultURL)
		assert.False(t, snap.Generating)
		assert.Eventually(t, func() bool { return hooked.Load() == "https://x/y.png" }, time.Second, time.Millisecond)
	})

	t.Run("status 1 without image", func(t *testing.T) {
		api := &stubAPI{taskID: "task-1", checks: []checkReply{done("")}}
		ctrl, _ := newTestController(t, api, freeCredits(1))

		_, err := ctrl.StartGeneration(context.Background())
		require.NoError(t, err)
		snap, err := ctrl.Wait(waitCtx(t))
		require.NoError(t, err)

		assert.Equal(t, domain.PhaseFailed, snap.Phase)
		assert.ErrorIs(t, snap.Err, domain.ErrTaskFailed)
		assert.Empty(t, snap.ResultURL)
		assert.NotEqual(t, 100, snap.Progress)
	})

	t.Run("failed status carries server message", func(t *testing.T) {
		api := &stubAPI{taskID: "task-1", checks: []checkReply{
			{res: imagegen.CheckResult{Status: 2, StatusMsg: "content rejected"}},
		}}
		ctrl, _ := newTestController(t, api, freeCredits(1))

		_, err := ctrl.StartGeneration(context.Background())
		require.NoError(t, err)
		snap, err := ctrl.Wait(waitCtx(t))
		require.NoError(t, err)

		assert.ErrorIs(t, snap.Err, domain.ErrTaskFailed)
		assert.Equal(t, "content rejected", snap.Error)
	})
}

func TestCancelStopsScheduledCheck(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	ctrl, clk := newTestController(t, api, freeCredits(1))

	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	require.True(t, clk.WaitForTimers(1, time.Second))
	require.Eventually(t, func() bool { return api.checkN.Load() == 1 }, time.Second, time.Millisecond)

	ctrl.Cancel()
	require.True(t, clk.WaitForTimers(0, time.Second), "follow-up timer should be stopped")
	before := ctrl.Snapshot()

	clk.Advance(DefaultPollInterval + 5*time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), api.checkN.Load())
	assert.Equal(t, before, ctrl.Snapshot())
	assert.Equal(t, domain.PhaseIdle, before.Phase)
	assert.False(t, before.Generating)
	assert.Empty(t, before.TaskID)
	assert.Eventually(t, func() bool { return clk.ActiveTickers() == 0 }, time.Second, time.Millisecond)

	ctrl.Cancel()
}

func TestRedoKeepsRequest(t *testing.T) {
	api := &stubAPI{taskID: "task-1", checks: []checkReply{done("https://x/y.png")}}
	ctrl, _ := newTestController(t, api, freeCredits(1))
	require.True(t, ctrl.SelectPreset("ghibli"))
	ctrl.EditPrompt("ghibli but at night")
	require.NoError(t, ctrl.SetAspectRatio("2:3"))
	ctrl.SetEnhance(true)

	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	_, err = ctrl.Wait(waitCtx(t))
	require.NoError(t, err)

	ctrl.Redo()
	snap := ctrl.Snapshot()
	assert.True(t, snap.HasFile)
	assert.Equal(t, "me.jpg", snap.FileName)
	assert.Equal(t, "ghibli but at night", snap.Prompt)
	assert.Equal(t, domain.AspectRatio("2:3"), snap.AspectRatio)
	assert.True(t, snap.Enhance)
	assert.Empty(t, snap.ResultURL)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.TaskID)
	assert.Zero(t, snap.Progress)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
}

func TestEndToEndPendingThenSuccess(t *testing.T) {
	api := &stubAPI{taskID: "task-42", checks: []checkReply{pending(), done("https://x/y.png")}}
	ctrl, clk := newTestController(t, api, freeCredits(2))
	require.NoError(t, ctrl.SetAspectRatio("1:1"))

	id, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "task-42", id)
	assert.Equal(t, domain.AspectRatio("1:1"), api.submitted[0].AspectRatio)
	assert.Equal(t, "g-123", api.submitted[0].GoogleID)

	require.True(t, clk.WaitForTimers(1, time.Second))
	snap := ctrl.Snapshot()
	assert.True(t, snap.Generating)
	assert.Equal(t, domain.PhasePolling, snap.Phase)
	assert.Equal(t, int32(1), api.checkN.Load())

	clk.Advance(20 * time.Second)
	snap, err = ctrl.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, int32(2), api.checkN.Load())
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, "https://x/y.png", snap.ResultURL)
	assert.False(t, snap.Generating)
	assert.Equal(t, 0, clk.PendingTimers())
}

func TestProgressIsMonotonicAndCapped(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	clk := clock.NewFake(time.Now())
	ctrl := New(Options{
		API:          api,
		Entitlements: freeCredits(1),
		Identity:     StaticIdentity("g-1"),
		Clock:        clk,
		PollInterval: time.Hour,
		ProgressSpan: 95 * time.Second,
	})
	t.Cleanup(ctrl.Cancel)
	require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "a.png", Data: []byte{1}}))
	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	require.True(t, clk.WaitForTimers(1, time.Second))

	last := 0
	for i := 0; i < 150; i++ {
		clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
		p := ctrl.Snapshot().Progress
		require.GreaterOrEqual(t, p, last)
		require.LessOrEqual(t, p, progressCap)
		last = p
	}
	assert.Positive(t, last)
}

func TestStartGenerationFailures(t *testing.T) {
	t.Run("signed out", func(t *testing.T) {
		api := &stubAPI{}
		ctrl := New(Options{API: api, Entitlements: freeCredits(1), Clock: clock.NewFake(time.Now())})
		require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "a.png", Data: []byte{1}}))
		_, err := ctrl.StartGeneration(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthRequired)
		assert.Equal(t, domain.PhaseIdle, ctrl.Snapshot().Phase)
	})

	t.Run("no file", func(t *testing.T) {
		ctrl, _ := newTestController(t, &stubAPI{}, freeCredits(1))
		ctrl.RemoveFile()
		_, err := ctrl.StartGeneration(context.Background())
		assert.ErrorIs(t, err, domain.ErrNoFile)
	})

	t.Run("entitlement lookup fails", func(t *testing.T) {
		api := &stubAPI{}
		ctrl, _ := newTestController(t, api, stubEntitlements{err: errors.New("boom")})
		_, err := ctrl.StartGeneration(context.Background())
		assert.ErrorIs(t, err, domain.ErrEntitlementCheckFailed)
		snap := ctrl.Snapshot()
		assert.Equal(t, domain.PhaseFailed, snap.Phase)
		assert.Equal(t, msgEntitlementFailed, snap.Error)
		assert.Equal(t, 0, api.submissions())
	})

	t.Run("submit rejected for credits", func(t *testing.T) {
		api := &stubAPI{submitErr: &imagegen.APIError{Op: "generate", Code: imagegen.CodeInsufficientCredits, Message: "quota"}}
		ctrl, clk := newTestController(t, api, freeCredits(1))
		_, err := ctrl.StartGeneration(context.Background())
		assert.ErrorIs(t, err, domain.ErrGenerationSubmitFailed)
		snap := ctrl.Snapshot()
		assert.Equal(t, msgInsufficientCredits, snap.Error)
		assert.False(t, snap.Generating)
		assert.Equal(t, 0, clk.PendingTimers())
	})

	t.Run("submit transport failure", func(t *testing.T) {
		api := &stubAPI{submitErr: &imagegen.StatusError{Op: "generate", StatusCode: 503}}
		ctrl, _ := newTestController(t, api, freeCredits(1))
		_, err := ctrl.StartGeneration(context.Background())
		assert.ErrorIs(t, err, domain.ErrGenerationSubmitFailed)
		assert.Equal(t, msgSubmitFailed, ctrl.Snapshot().Error)
	})

	t.Run("status check transport failure", func(t *testing.T) {
		api := &stubAPI{taskID: "t", checks: []checkReply{{err: errors.New("dial tcp: refused")}}}
		ctrl, _ := newTestController(t, api, freeCredits(1))
		_, err := ctrl.StartGeneration(context.Background())
		require.NoError(t, err)
		snap, err := ctrl.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.ErrorIs(t, snap.Err, domain.ErrPollingFailed)
		assert.Equal(t, msgPollingFailed, snap.Error)
	})

	t.Run("status check rejected by backend", func(t *testing.T) {
		api := &stubAPI{taskID: "t", checks: []checkReply{{err: &imagegen.APIError{Op: "check", Code: 1002, Message: "task expired"}}}}
		ctrl, _ := newTestController(t, api, freeCredits(1))
		_, err := ctrl.StartGeneration(context.Background())
		require.NoError(t, err)
		snap, err := ctrl.Wait(waitCtx(t))
		require.NoError(t, err)
		assert.ErrorIs(t, snap.Err, domain.ErrTaskFailed)
		assert.Equal(t, "task expired", snap.Error)
	})
}

func TestBusyControllerRejectsChanges(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	ctrl, clk := newTestController(t, api, freeCredits(1))
	t.Cleanup(ctrl.Cancel)

	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	require.True(t, clk.WaitForTimers(1, time.Second))

	assert.True(t, ctrl.Snapshot().Busy())
	assert.ErrorIs(t, ctrl.SelectFile(domain.ImageFile{Name: "b.png", Data: []byte{2}}), domain.ErrBusy)
	_, err = ctrl.StartGeneration(context.Background())
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, 1, api.submissions())
}

func TestCancelDuringEntitlementCheck(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	ctrl, _ := newTestController(t, api, stubEntitlements{block: true})

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.StartGeneration(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return ctrl.Snapshot().Phase == domain.PhaseChecking }, time.Second, time.Millisecond)

	ctrl.Cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("StartGeneration did not return after Cancel")
	}
	snap := ctrl.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 0, api.submissions())
}

func TestCallerContextAbortsStart(t *testing.T) {
	api := &stubAPI{taskID: "task-1"}
	ctrl, _ := newTestController(t, api, stubEntitlements{block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ctrl.StartGeneration(ctx)
	assert.ErrorIs(t, err, domain.ErrEntitlementCheckFailed)
	assert.Equal(t, 0, api.submissions())
	assert.False(t, ctrl.Snapshot().Busy())
}

func TestSelectPreset(t *testing.T) {
	ctrl, _ := newTestController(t, &stubAPI{}, freeCredits(1))
	assert.False(t, ctrl.SelectPreset("missing"))
	assert.Empty(t, ctrl.Snapshot().Prompt)

	assert.True(t, ctrl.SelectPreset("ghibli"))
	assert.Equal(t, "studio ghibli style", ctrl.Snapshot().Prompt)

	ctrl.EditPrompt("my own words")
	assert.Equal(t, "my own words", ctrl.Snapshot().Prompt)
}

func TestSelectFileClearsOutcome(t *testing.T) {
	api := &stubAPI{taskID: "task-1", checks: []checkReply{done("https://x/y.png")}}
	ctrl, _ := newTestController(t, api, freeCredits(1))
	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	_, err = ctrl.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.ErrorIs(t, ctrl.SelectFile(domain.ImageFile{Name: "empty.png"}), domain.ErrValidation)
	require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "b.png", Data: []byte{2}}))
	snap := ctrl.Snapshot()
	assert.Equal(t, "b.png", snap.FileName)
	assert.Empty(t, snap.ResultURL)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type switchEntitlements struct {
	mu  sync.Mutex
	err error
}

func (s *switchEntitlements) UserInfo(context.Context, string) (domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Entitlement{}, s.err
	}
	return domain.Entitlement{FreeCreditsRemaining: 1}, nil
}

func (s *switchEntitlements) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func TestNextAttemptStartsFromZeroProgress(t *testing.T) {
	ent := &switchEntitlements{}
	ctrl := New(Options{
		API:          &stubAPI{taskID: "t", checks: []checkReply{done("https://x/y.png")}},
		Entitlements: ent,
		Identity:     StaticIdentity("g-123"),
		Clock:        clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, ctrl.SelectFile(domain.ImageFile{Name: "me.png", Data: []byte{1}}))

	_, err := ctrl.StartGeneration(context.Background())
	require.NoError(t, err)
	snap, err := ctrl.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 100, snap.Progress)

	ent.fail(errors.New("boom"))
	_, err = ctrl.StartGeneration(context.Background())
	assert.ErrorIs(t, err, domain.ErrEntitlementCheckFailed)
	snap = ctrl.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.Phase)
	assert.Zero(t, snap.Progress)
}
