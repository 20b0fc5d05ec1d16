package main

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cartoon/internal/imagegen"
	"cartoon/internal/infra"
)

type commandContext struct {
	googleID string
	apiURL   string
	asJSON   bool
	verbose  bool

	configOnce sync.Once
	config     *infra.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*infra.Config, error) {
	c.configOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := infra.LoadConfig()
		if err != nil {
			c.configErr = err
			return
		}
		if u := strings.TrimSpace(c.apiURL); u != "" {
			cfg.GenerationAPIBaseURL = strings.TrimRight(u, "/")
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cmd *cobra.Command) zerolog.Logger {
	cfg, _ := c.ensureConfig()
	env := "production"
	level := ""
	if cfg != nil {
		level = cfg.LogLevel
	}
	if c.verbose {
		env = "development"
		level = "debug"
	}
	if level == "" {
		level = "warn"
	}
	return infra.SetLevel(infra.NewLoggerTo(cmd.ErrOrStderr(), env), level)
}

func (c *commandContext) client(cmd *cobra.Command) (*imagegen.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.logger(cmd).With().Str("component", "imagegen").Logger()
	return imagegen.NewClient(imagegen.Options{
		BaseURL: cfg.GenerationAPIBaseURL,
		Timeout: cfg.GenerationAPITimeout,
		Logger:  &logger,
	}), nil
}

// requireUser returns the backend user id the command acts for.
func (c *commandContext) requireUser() (string, error) {
	id := strings.TrimSpace(c.googleID)
	if id == "" {
		return "", errors.New("a Google account id is required: pass --google-id or set CARTOON_GOOGLE_ID")
	}
	return id, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "cartoon",
		Short:         "Turn photos into cartoon-style images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.googleID, "google-id", os.Getenv("CARTOON_GOOGLE_ID"), "Google account id to act as")
	flags.StringVar(&ctx.apiURL, "api-url", "", "Override GENERATION_API_BASE_URL")
	flags.BoolVar(&ctx.asJSON, "json", false, "Print JSON instead of tables")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "Log requests to stderr")

	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newPresetsCommand(ctx))
	rootCmd.AddCommand(newCreditsCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))

	return rootCmd
}
