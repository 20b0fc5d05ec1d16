package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/internal/presets"
	"cartoon/internal/storage"
)

type generateOptions struct {
	preset       string
	prompt       string
	ratio        string
	enhance      bool
	outDir       string
	noSave       bool
	pollInterval time.Duration
	progressSpan time.Duration
}

type generateResult struct {
	TaskID    string `json:"task_id"`
	ResultURL string `json:"result_url"`
	SavedTo   string `json:"saved_to,omitempty"`
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate <photo>",
		Short: "Cartoonize a photo and download the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, ctx, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.preset, "preset", "p", "", "Style preset id (see `cartoon presets`)")
	flags.StringVar(&opts.prompt, "prompt", "", "Prompt text; applied after --preset")
	flags.StringVarP(&opts.ratio, "ratio", "r", string(domain.DefaultAspectRatio), "Aspect ratio: 1:1, 3:2 or 2:3")
	flags.BoolVar(&opts.enhance, "enhance", false, "Ask the backend to enhance the result")
	flags.StringVarP(&opts.outDir, "out", "o", "", "Directory for the downloaded image (default DOWNLOAD_DIR)")
	flags.BoolVar(&opts.noSave, "no-save", false, "Print the result URL without downloading it")
	flags.DurationVar(&opts.pollInterval, "poll-interval", 0, "Delay between status checks (default POLL_INTERVAL_SECONDS)")
	flags.DurationVar(&opts.progressSpan, "progress-span", 0, "Time for the progress estimate to reach 95% (default PROGRESS_SPAN_SECONDS)")

	return cmd
}

func runGenerate(cmd *cobra.Command, ctx *commandContext, opts generateOptions, photo string) error {
	googleID, err := ctx.requireUser()
	if err != nil {
		return err
	}
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	client, err := ctx.client(cmd)
	if err != nil {
		return err
	}
	catalog, err := presets.Load()
	if err != nil {
		return err
	}
	file, err := readPhoto(photo)
	if err != nil {
		return err
	}

	var downloader *generation.Downloader
	if !opts.noSave {
		dir := opts.outDir
		if dir == "" {
			dir = cfg.DownloadDir
		}
		store, err := storage.NewFileStore(dir)
		if err != nil {
			return err
		}
		downloader = generation.NewDownloader(&http.Client{Timeout: cfg.GenerationAPITimeout}, store)
		opts.outDir = store.BasePath()
	}
	poll := opts.pollInterval
	if poll <= 0 {
		poll = cfg.PollInterval
	}
	span := opts.progressSpan
	if span <= 0 {
		span = cfg.ProgressSpan
	}

	logger := ctx.logger(cmd)
	ctrl := generation.New(generation.Options{
		API:          client,
		Entitlements: client,
		Identity:     generation.StaticIdentity(googleID),
		Presets:      catalog,
		Downloader:   downloader,
		Logger:       &logger,
		PollInterval: poll,
		ProgressSpan: span,
	})
	defer ctrl.Cancel()

	if opts.preset != "" && !ctrl.SelectPreset(opts.preset) {
		return fmt.Errorf("unknown preset %q", opts.preset)
	}
	if opts.prompt != "" {
		ctrl.EditPrompt(opts.prompt)
	}
	if err := ctrl.SetAspectRatio(opts.ratio); err != nil {
		return userError(err)
	}
	ctrl.SetEnhance(opts.enhance)
	if err := ctrl.SelectFile(file); err != nil {
		return userError(err)
	}

	errOut := cmd.ErrOrStderr()
	taskID, err := ctrl.StartGeneration(cmd.Context())
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientTier) {
			return fmt.Errorf("%s Upgrade your plan to keep generating", domain.UserMessage(err))
		}
		return userError(err)
	}
	fmt.Fprintf(errOut, "Submitted task %s\n", taskID)

	final, err := waitWithProgress(cmd, ctrl)
	if err != nil {
		return err
	}
	if final.Phase != domain.PhaseSucceeded {
		return userError(final.Err)
	}

	res := generateResult{TaskID: taskID, ResultURL: final.ResultURL}
	if downloader != nil {
		key, err := ctrl.SaveResult(cmd.Context(), "")
		if err != nil {
			return userError(err)
		}
		res.SavedTo = filepath.Join(opts.outDir, key)
	}

	if ctx.asJSON {
		return writeJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Result: %s\n", res.ResultURL)
	if res.SavedTo != "" {
		fmt.Fprintf(out, "Saved:  %s\n", res.SavedTo)
	}
	return nil
}

// waitWithProgress blocks until the attempt ends, printing the progress
// estimate to stderr as it moves.
func waitWithProgress(cmd *cobra.Command, ctrl *generation.Controller) (generation.Snapshot, error) {
	type outcome struct {
		snap generation.Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := ctrl.Wait(cmd.Context())
		done <- outcome{snap, err}
	}()

	errOut := cmd.ErrOrStderr()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case o := <-done:
			if last >= 0 {
				fmt.Fprintln(errOut)
			}
			if o.err != nil {
				ctrl.Cancel()
				return o.snap, o.err
			}
			return o.snap, nil
		case <-ticker.C:
			if p := ctrl.Snapshot().Progress; p != last {
				last = p
				fmt.Fprintf(errOut, "\rGenerating... %3d%%", p)
			}
		}
	}
}

func readPhoto(path string) (domain.ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ImageFile{}, fmt.Errorf("read photo: %w", err)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return domain.ImageFile{}, fmt.Errorf("%s does not look like an image (%s)", path, contentType)
	}
	return domain.ImageFile{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

// userError presents a domain error by its user-facing message while keeping
// it inspectable with errors.Is.
func userError(err error) error {
	if err == nil {
		return errors.New("generation did not finish")
	}
	return &cliError{err: err}
}

type cliError struct {
	err error
}

func (e *cliError) Error() string { return domain.UserMessage(e.err) }

func (e *cliError) Unwrap() error { return e.err }
