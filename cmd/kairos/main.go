package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

// app holds the resolved configuration shared by all subcommands.
type app struct {
	overrides core.CLIOverrides
	cfg       *core.Config
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "kairos",
		Short: "Kairos - turn-by-turn conversational response engine",
		Long: "An energy-descent response engine: extractors activate per turn, a coupled convergence loop\n" +
			"stops at the Kairos window, families and thresholds evolve, and emissions wean off an external LLM.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd.Flags())
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.PersistentFlags()
	a.overrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides KAIROS_CONFIG env)")
	a.overrides.DataPath = f.String("data-path", "", "Data directory for .krs state files")
	a.overrides.Compress = f.Bool("compress", false, "Gzip persisted state")
	a.overrides.AutoSave = f.Bool("autosave", true, "Persist after every turn")
	a.overrides.IntersectionThreshold = f.Float64("intersection-threshold", 0, "Nexus co-activation threshold")
	a.overrides.SimilarityThreshold = f.Float64("similarity-threshold", 0, "Family assignment cosine threshold")
	a.overrides.LearningRate = f.Float64("learning-rate", 0, "Hebbian coupling learning rate")
	a.overrides.MaxCycles = f.Int("max-cycles", 0, "Convergence cycle cap")
	a.overrides.MinKairosCycle = f.Int("min-kairos-cycle", 0, "Earliest cycle at which the Kairos window may close")
	a.overrides.LLMEnabled = f.Bool("llm", false, "Enable the external LLM generator")
	a.overrides.LLMBaseURL = f.String("llm-base-url", "", "OpenAI-compatible base URL")
	a.overrides.LLMModel = f.String("llm-model", "", "LLM model name")
	a.overrides.LLMTimeout = f.Duration("llm-timeout", 0, "LLM call timeout")
	a.overrides.JournalEnabled = f.Bool("journal", true, "Record turns in the SQLite journal")
	a.overrides.LogLevel = f.String("log-level", "", "Log level (debug|info|warn|error)")
	a.overrides.NoColor = f.Bool("no-color", false, "Disable colored log output")

	rootCmd.AddCommand(
		a.serveCmd(),
		a.chatCmd(),
		a.trainCmd(),
		a.statsCmd(),
		a.resetCmd(),
		a.exportCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves defaults -> YAML -> env -> explicit flags, validates,
// and installs the logger.
func (a *app) loadConfig(flags *pflag.FlagSet) error {
	configPath := ""
	if a.overrides.ConfigPath != nil && *a.overrides.ConfigPath != "" {
		configPath = *a.overrides.ConfigPath
	} else {
		configPath = os.Getenv("KAIROS_CONFIG")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyExplicitFlags(flags, cfg, &a.overrides)

	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	return nil
}

func setupLogger(lc core.LogConfig) error {
	level, err := core.ParseLogLevel(lc.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    lc.NoColor,
		}),
	))
	return nil
}

// openOrganism opens the organism for a one-shot command.
func (a *app) openOrganism() (*organism.Organism, error) {
	org, err := organism.Open(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open organism: %w", err)
	}
	return org, nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("compress") {
		overrides.Compress = o.Compress
	}
	if flags.Changed("autosave") {
		overrides.AutoSave = o.AutoSave
	}
	if flags.Changed("http-addr") {
		overrides.HTTPAddr = o.HTTPAddr
	}
	if flags.Changed("intersection-threshold") {
		overrides.IntersectionThreshold = o.IntersectionThreshold
	}
	if flags.Changed("similarity-threshold") {
		overrides.SimilarityThreshold = o.SimilarityThreshold
	}
	if flags.Changed("learning-rate") {
		overrides.LearningRate = o.LearningRate
	}
	if flags.Changed("max-cycles") {
		overrides.MaxCycles = o.MaxCycles
	}
	if flags.Changed("min-kairos-cycle") {
		overrides.MinKairosCycle = o.MinKairosCycle
	}
	if flags.Changed("llm") {
		overrides.LLMEnabled = o.LLMEnabled
	}
	if flags.Changed("llm-base-url") {
		overrides.LLMBaseURL = o.LLMBaseURL
	}
	if flags.Changed("llm-model") {
		overrides.LLMModel = o.LLMModel
	}
	if flags.Changed("llm-timeout") {
		overrides.LLMTimeout = o.LLMTimeout
	}
	if flags.Changed("journal") {
		overrides.JournalEnabled = o.JournalEnabled
	}
	if flags.Changed("mcp") {
		overrides.MCPEnabled = o.MCPEnabled
	}
	if flags.Changed("admin") {
		overrides.AdminEnabled = o.AdminEnabled
	}
	if flags.Changed("admin-user") {
		overrides.AdminUser = o.AdminUser
	}
	if flags.Changed("admin-password") {
		overrides.AdminPassword = o.AdminPassword
	}
	if flags.Changed("log-level") {
		overrides.LogLevel = o.LogLevel
	}
	if flags.Changed("no-color") {
		overrides.NoColor = o.NoColor
	}

	cfg.ApplyCLIOverrides(&overrides)
}
