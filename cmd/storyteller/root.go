package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tablerst/storyteller/internal/apperrors"
	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/controller"
)

var (
	cfgFile      string
	profileName  string
	outputDir    string
	dataDir      string
	logLevelFlag string
)

// ParseLogLevel converts a string log level to slog.Level. Supports:
// debug, info, warn, error (case-insensitive).
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", level)
	}
}

// GetLogLevel resolves the effective log level: the --log-level flag,
// then NOVEL_SUMMARIZER_LOG_LEVEL, then info.
func GetLogLevel() slog.Level {
	level := logLevelFlag
	if level == "" {
		level = os.Getenv("NOVEL_SUMMARIZER_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	parsed, err := ParseLogLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using info\n", err)
		return slog.LevelInfo
	}
	return parsed
}

var rootCmd = &cobra.Command{
	Use:   "storyteller",
	Short: "Turns a book-length text into a resumable, chapter-by-chapter narration",
	Long: `storyteller converts book-length source text into an immersive,
chapter-by-chapter narration with a cache-coherent, content-addressed
execution graph: hybrid retrieval over prior chapters, a world-state
store of characters/items/plot events, and step-aligned checkpointing so
a run can resume exactly where it left off.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "named profile YAML merged beneath --config (defaults < profile < custom)")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "export output directory (overrides config output_dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding storyteller.db/vectors.db (overrides config storage paths)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (default: info, env: NOVEL_SUMMARIZER_LOG_LEVEL)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(storytellCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(runCmd)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: GetLogLevel()}))
}

// loadConfig applies the defaults < profile < custom < programmatic
// overrides < environment layering: merge the named profile first
// so --config's values win over it, then apply --output-dir/--data-dir
// as the programmatic override layer.
func loadConfig() (*config.Config, error) {
	if profileName != "" {
		viper.SetConfigFile(profilePath(profileName))
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, &apperrors.ConfigError{Detail: fmt.Sprintf("loading profile %q", profileName), Err: err}
			}
		}
	}

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, &apperrors.ConfigError{Detail: "loading config", Err: err}
	}
	cfg := mgr.Get()

	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	effectiveDataDir := os.Getenv("NOVEL_SUMMARIZER_DATA_DIR")
	if effectiveDataDir == "" {
		effectiveDataDir = dataDir
	}
	if effectiveDataDir != "" {
		cfg.Storage.SqlitePath = filepath.Join(effectiveDataDir, filepath.Base(cfg.Storage.SqlitePath))
		cfg.Storage.VectorDBPath = filepath.Join(effectiveDataDir, filepath.Base(cfg.Storage.VectorDBPath))
	}

	// Per-provider base-URL overrides, the last (environment) layer:
	// NOVEL_SUMMARIZER_LLM_PROVIDER_<NAME>_BASE_URL.
	for name, route := range cfg.Routes {
		provider := route.Provider
		if provider == "" {
			provider = "openrouter"
		}
		envKey := "NOVEL_SUMMARIZER_LLM_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_BASE_URL"
		if v := os.Getenv(envKey); v != "" {
			route.BaseURL = v
			cfg.Routes[name] = route
		}
	}
	return cfg, nil
}

func profilePath(name string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	return filepath.Join("profiles", name+".yaml")
}

func newController() (*controller.Controller, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return controller.New(cfg, newLogger())
}

// Exit codes distinguish validation/configuration failures (caught
// before any work starts) from runtime failures.
const (
	exitOK                = 0
	exitRuntimeFailure     = 1
	exitValidationOrConfig = 2
)

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var configErr *apperrors.ConfigError
	var ingestErr *apperrors.IngestError
	if errors.As(err, &configErr) || errors.As(err, &ingestErr) {
		return exitValidationOrConfig
	}
	if strings.HasPrefix(err.Error(), "validation error:") {
		return exitValidationOrConfig
	}
	return exitRuntimeFailure
}
