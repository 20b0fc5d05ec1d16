// Package generation drives one user's photo-to-cartoon attempt from file
// selection through entitlement check, submission and status polling.
//
// A Controller holds at most one in-flight attempt. Each attempt owns a
// context; cancelling it stops the progress ticker and any scheduled status
// check. Results that arrive after an attempt was torn down are discarded.
package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cartoon/internal/clock"
	"cartoon/internal/domain"
	"cartoon/internal/imagegen"
)

const (
	// DefaultPollInterval separates consecutive status checks of a pending task.
	DefaultPollInterval = 20 * time.Second
	// DefaultProgressSpan is how long the simulated progress takes to reach its cap.
	DefaultProgressSpan = 110 * time.Second

	progressSteps = 95
	progressCap   = 95
	progressDone  = 100
)

const (
	msgEntitlementFailed   = "We could not verify your remaining credits. Please try again."
	msgSubmitFailed        = "Image generation failed. Please try again."
	msgInsufficientCredits = "You have run out of credits. Upgrade your plan to keep generating."
	msgPollingFailed       = "Lost contact with the generation service. Please try again."
	msgTaskFailed          = "Generation failed. Please try again."
	msgSignInRequired      = "Please sign in to generate images."
	msgUpgradeRequired     = "No credits left on the free plan."
	msgNotYourResult       = "You can only save images you generated."
)

// Identity reports the backend user id of the signed-in user.
type Identity interface {
	GoogleID(ctx context.Context) (string, bool)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, bool)

func (f IdentityFunc) GoogleID(ctx context.Context) (string, bool) { return f(ctx) }

// StaticIdentity always reports the same user. An empty id means signed out.
type StaticIdentity string

func (s StaticIdentity) GoogleID(context.Context) (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// PresetLookup resolves style presets by id.
type PresetLookup interface {
	Lookup(id string) (domain.Preset, bool)
}

// ResultFinder looks ref up among googleID's past results and reports the
// task that produced it.
type ResultFinder interface {
	FindResult(ctx context.Context, googleID, ref string) (taskID string, ok bool, err error)
}

type Options struct {
	API          imagegen.Submitter
	Entitlements imagegen.EntitlementSource
	Identity     Identity
	Presets      PresetLookup
	Downloader   *Downloader
	// Results lets SaveResult accept earlier results of the same user.
	Results      ResultFinder
	Clock        clock.Clock
	Logger       *zerolog.Logger
	PollInterval time.Duration
	ProgressSpan time.Duration
	// OnSuccess is invoked after a task completes with a result.
	OnSuccess func(taskID, resultRef string)
}

// Controller owns the state of one user's generation flow.
type Controller struct {
	api          imagegen.Submitter
	entitlements imagegen.EntitlementSource
	identity     Identity
	presets      PresetLookup
	downloader   *Downloader
	results      ResultFinder
	clock        clock.Clock
	logger       zerolog.Logger
	pollInterval time.Duration
	tick         time.Duration
	onSuccess    func(taskID, resultRef string)

	mu         sync.Mutex
	req        domain.GenerationRequest
	phase      domain.Phase
	generating bool
	progress   int
	taskID     string
	result     string
	err        error
	cur        *attempt
	seq        uint64
	lastActive time.Time
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Phase       domain.Phase       `json:"phase"`
	Generating  bool               `json:"generating"`
	Progress    int                `json:"progress"`
	TaskID      string             `json:"task_id,omitempty"`
	ResultURL   string             `json:"result_url,omitempty"`
	Error       string             `json:"error,omitempty"`
	HasFile     bool               `json:"has_file"`
	FileName    string             `json:"file_name,omitempty"`
	Prompt      string             `json:"prompt"`
	AspectRatio domain.AspectRatio `json:"aspect_ratio"`
	Enhance     bool               `json:"enhance"`

	Err error `json:"-"`
}

// Busy reports whether an attempt is in flight.
func (s Snapshot) Busy() bool {
	return s.Phase.InFlight()
}

func New(opts Options) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	span := opts.ProgressSpan
	if span <= 0 {
		span = DefaultProgressSpan
	}
	identity := opts.Identity
	if identity == nil {
		identity = StaticIdentity("")
	}
	downloader := opts.Downloader
	if downloader == nil {
		downloader = NewDownloader(nil, nil)
	}
	return &Controller{
		api:          opts.API,
		entitlements: opts.Entitlements,
		identity:     identity,
		presets:      opts.Presets,
		downloader:   downloader,
		results:      opts.Results,
		clock:        clk,
		logger:       logger,
		pollInterval: poll,
		tick:         span / progressSteps,
		onSuccess:    opts.OnSuccess,
		req:          domain.NewGenerationRequest(),
		phase:        domain.PhaseIdle,
		lastActive:   clk.Now(),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:       c.phase,
		Generating:  c.generating,
		Progress:    c.progress,
		TaskID:      c.taskID,
		ResultURL:   c.result,
		Err:         c.err,
		Prompt:      c.req.Prompt,
		AspectRatio: c.req.AspectRatio,
		Enhance:     c.req.Enhance,
	}
	if c.err != nil {
		s.Error = domain.UserMessage(c.err)
	}
	if c.req.File != nil {
		s.HasFile = true
		s.FileName = c.req.File.Name
	}
	return s
}

// LastActive returns when the controller was last touched by an operation.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Controller) touchLocked() {
	c.lastActive = c.clock.Now()
}

// SelectFile replaces the source photo and clears any previous outcome. It is
// rejected while an attempt is in flight.
func (c *Controller) SelectFile(file domain.ImageFile) error {
	if len(file.Data) == 0 {
		return domain.NewError(domain.ErrValidation, "the selected file is empty", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.InFlight() {
		return domain.ErrBusy
	}
	f := file
	c.req.File = &f
	c.resetOutcomeLocked()
	c.touchLocked()
	return nil
}

// RemoveFile tears down any attempt and drops the selected photo.
func (c *Controller) RemoveFile() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.File = nil
	c.resetOutcomeLocked()
	c.touchLocked()
}

// SelectPreset overwrites the prompt with the preset's default text. It
// reports whether the preset exists.
func (c *Controller) SelectPreset(id string) bool {
	if c.presets == nil {
		return false
	}
	p, ok := c.presets.Lookup(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.Prompt = p.DefaultPrompt
	c.touchLocked()
	return true
}

func (c *Controller) EditPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.Prompt = text
	c.touchLocked()
}

// SetAspectRatio validates and stores ratio. Invalid values leave the prior
// ratio untouched.
func (c *Controller) SetAspectRatio(ratio string) error {
	r, err := domain.ParseAspectRatio(ratio)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.AspectRatio = r
	c.touchLocked()
	return nil
}

func (c *Controller) SetEnhance(flag bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.req.Enhance = flag
	c.touchLocked()
}

// Redo abandons any attempt and returns to editing with the same file,
// prompt, ratio and enhance flag.
func (c *Controller) Redo() {
	c.mu.Lock()
	a := c.cur
	c.cur = nil
	c.resetOutcomeLocked()
	c.touchLocked()
	c.mu.Unlock()
	if a != nil {
		a.finish()
	}
}

// Cancel stops every timer and forgets the in-flight task without recording
// an error. It is safe to call at any time and more than once.
func (c *Controller) Cancel() {
	c.mu.Lock()
	a := c.cur
	c.cur = nil
	if c.phase.InFlight() {
		c.phase = domain.PhaseIdle
	}
	c.generating = false
	c.taskID = ""
	c.mu.Unlock()
	if a != nil {
		a.finish()
		c.logger.Debug().Uint64("attempt", a.id).Msg("generation: attempt cancelled")
	}
}

func (c *Controller) resetOutcomeLocked() {
	c.phase = domain.PhaseIdle
	c.generating = false
	c.progress = 0
	c.taskID = ""
	c.result = ""
	c.err = nil
}

// Wait blocks until the current attempt finishes or ctx is done, then returns
// the resulting state.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	a := c.cur
	c.mu.Unlock()
	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

// SaveResult downloads ref, or the current result when ref is empty, and
// returns the saved storage key. A ref other than the current result must be
// one of the signed-in user's past results.
func (c *Controller) SaveResult(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	snap := c.Snapshot()
	googleID, _ := c.identity.GoogleID(ctx)
	taskID := snap.TaskID

	switch {
	case ref == "" && snap.ResultURL == "":
		return "", domain.NewError(domain.ErrValidation, "there is no result to save yet", nil)
	case ref == "" || ref == snap.ResultURL:
		ref = snap.ResultURL
	default:
		if c.results == nil || googleID == "" {
			return "", domain.NewError(domain.ErrForbidden, msgNotYourResult, nil)
		}
		id, ok, err := c.results.FindResult(ctx, googleID, ref)
		if err != nil {
			return "", domain.NewError(domain.ErrDownloadFailed, msgSaveFailed, err)
		}
		if !ok {
			c.logger.Warn().Str("google_id", googleID).Str("ref", ref).Msg("generation: save of foreign result refused")
			return "", domain.NewError(domain.ErrForbidden, msgNotYourResult, nil)
		}
		taskID = id
	}
	return c.downloader.Save(ctx, ref, ResultKey(googleID, taskID))
}

func submitMessage(err error) string {
	var apiErr *imagegen.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == imagegen.CodeInsufficientCredits {
			return msgInsufficientCredits
		}
		if apiErr.Message != "" && apiErr.Code != imagegen.CodeSuccess {
			return apiErr.Message
		}
	}
	return msgSubmitFailed
}
