package generation

import (
	"context"
	"errors"
	"sync"

	"cartoon/internal/domain"
	"cartoon/internal/imagegen"
)

type attempt struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (a *attempt) finish() {
	a.once.Do(func() {
		a.cancel()
		close(a.done)
	})
}

// StartGeneration checks the user's entitlement, submits the request and
// begins polling. It returns the backend task id once the submission has been
// accepted; the final outcome is observed through Snapshot or Wait.
//
// Errors carry one of the domain kinds: ErrAuthRequired, ErrBusy, ErrNoFile,
// ErrEntitlementCheckFailed, ErrInsufficientTier or ErrGenerationSubmitFailed.
func (c *Controller) StartGeneration(ctx context.Context) (string, error) {
	googleID, ok := c.identity.GoogleID(ctx)
	if !ok {
		return "", domain.NewError(domain.ErrAuthRequired, msgSignInRequired, nil)
	}

	c.mu.Lock()
	if c.phase.InFlight() {
		c.mu.Unlock()
		return "", domain.ErrBusy
	}
	if c.req.File == nil {
		c.mu.Unlock()
		return "", domain.NewError(domain.ErrNoFile, "select a photo first", nil)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.seq++
	a := &attempt{id: c.seq, cancel: cancel, done: make(chan struct{})}
	c.cur = a
	c.phase = domain.PhaseChecking
	c.progress = 0
	c.err = nil
	c.result = ""
	c.taskID = ""
	req := c.req
	file := *c.req.File
	c.touchLocked()
	c.mu.Unlock()

	// The caller going away aborts the synchronous part only.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log := c.logger.With().Uint64("attempt", a.id).Str("google_id", googleID).Logger()

	ent, err := c.entitlements.UserInfo(runCtx, googleID)
	if err != nil {
		log.Warn().Err(err).Msg("generation: entitlement check failed")
		return "", c.abort(a, domain.NewError(domain.ErrEntitlementCheckFailed, msgEntitlementFailed, err), true)
	}
	if !ent.CanGenerate() {
		log.Info().Int("tier", ent.AccountTier).Msg("generation: no credits on free tier")
		return "", c.abort(a, domain.NewError(domain.ErrInsufficientTier, msgUpgradeRequired, nil), false)
	}

	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return "", context.Canceled
	}
	c.phase = domain.PhaseSubmitting
	c.generating = true
	c.progress = 0
	c.mu.Unlock()

	go c.simulateProgress(runCtx, a)

	taskID, err := c.api.Generate(runCtx, imagegen.SubmitRequest{
		GoogleID:    googleID,
		File:        file,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Enhance:     req.Enhance,
	})
	if err != nil {
		log.Warn().Err(err).Msg("generation: submit failed")
		return "", c.abort(a, domain.NewError(domain.ErrGenerationSubmitFailed, submitMessage(err), err), true)
	}

	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return "", context.Canceled
	}
	c.phase = domain.PhasePolling
	c.taskID = taskID
	c.mu.Unlock()

	log.Info().Str("task_id", taskID).Msg("generation: task submitted")
	go c.poll(runCtx, a, taskID)
	return taskID, nil
}

// abort ends attempt a before polling began. When record is false the
// controller returns to idle without keeping the error.
func (c *Controller) abort(a *attempt, err error, record bool) error {
	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		a.finish()
		return context.Canceled
	}
	c.cur = nil
	c.generating = false
	c.taskID = ""
	if record {
		c.phase = domain.PhaseFailed
		c.err = err
	} else {
		c.phase = domain.PhaseIdle
		c.progress = 0
	}
	c.mu.Unlock()
	a.finish()
	return err
}

func (c *Controller) simulateProgress(ctx context.Context, a *attempt) {
	if c.tick <= 0 {
		return
	}
	ticker := c.clock.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		c.mu.Lock()
		if c.cur != a {
			c.mu.Unlock()
			return
		}
		if c.progress < progressCap {
			c.progress++
		}
		c.mu.Unlock()
	}
}

// poll checks taskID until it leaves the pending state. At most one follow-up
// timer is armed at a time.
func (c *Controller) poll(ctx context.Context, a *attempt, taskID string) {
	log := c.logger.With().Uint64("attempt", a.id).Str("task_id", taskID).Logger()
	for {
		res, err := c.api.Check(ctx, taskID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var apiErr *imagegen.APIError
			if errors.As(err, &apiErr) {
				msg := apiErr.Message
				if msg == "" {
					msg = msgTaskFailed
				}
				log.Warn().Err(err).Msg("generation: task rejected by backend")
				c.fail(a, domain.NewError(domain.ErrTaskFailed, msg, err))
				return
			}
			log.Warn().Err(err).Msg("generation: status check failed")
			c.fail(a, domain.NewError(domain.ErrPollingFailed, msgPollingFailed, err))
			return
		}

		task := domain.ClassifyTask(taskID, res.Status, res.DistImage, firstNonEmpty(res.StatusMsg, res.Message))
		switch task.Status {
		case domain.TaskSucceeded:
			c.succeed(a, task)
			log.Info().Str("result", task.ResultImageRef).Msg("generation: task succeeded")
			return
		case domain.TaskFailed:
			msg := task.StatusMessage
			if msg == "" {
				msg = msgTaskFailed
			}
			log.Warn().Int("status", res.Status).Str("message", task.StatusMessage).Msg("generation: task failed")
			c.fail(a, domain.NewError(domain.ErrTaskFailed, msg, nil))
			return
		}

		timer := c.clock.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Controller) succeed(a *attempt, task domain.Task) {
	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.phase = domain.PhaseSucceeded
	c.generating = false
	c.progress = progressDone
	c.result = task.ResultImageRef
	c.err = nil
	hook := c.onSuccess
	c.mu.Unlock()
	a.finish()
	if hook != nil {
		hook(task.ID, task.ResultImageRef)
	}
}

func (c *Controller) fail(a *attempt, err error) {
	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.phase = domain.PhaseFailed
	c.generating = false
	c.result = ""
	c.err = err
	c.mu.Unlock()
	a.finish()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
