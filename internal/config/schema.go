package config

// Config holds storyteller configuration. Loaded from the --config file
// (else config.yaml in . or $HOME/.shelf), layered defaults < profile < custom <
// programmatic overrides < environment.
type Config struct {
	Storage       StorageConfig           `mapstructure:"storage" yaml:"storage"`
	Routes        map[string]RouteConfig  `mapstructure:"routes" yaml:"routes"`
	Storyteller   StorytellerConfig       `mapstructure:"storyteller" yaml:"storyteller"`
	Tiering       TieringConfig           `mapstructure:"tiering" yaml:"tiering"`
	Observability ObservabilityConfig     `mapstructure:"observability" yaml:"observability"`
	OutputDir     string                  `mapstructure:"output_dir" yaml:"output_dir"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	SqlitePath   string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	VectorDBPath string `mapstructure:"vector_db_path" yaml:"vector_db_path"`
}

// RouteConfig resolves a route name to an (endpoint, provider) pair
//. APIKey holds a literal or an "${ENV_VAR}" reference resolved
// via ResolveEnvVars.
type RouteConfig struct {
	Provider       string  `mapstructure:"provider" yaml:"provider"`
	Model          string  `mapstructure:"model" yaml:"model"`
	Temperature    float64 `mapstructure:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxConcurrency int     `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Retries        int     `mapstructure:"retries" yaml:"retries"`
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `mapstructure:"api_key_env" yaml:"api_key_env"`
}

// StorytellerConfig holds the narration/memory/step knobs.
type StorytellerConfig struct {
	NarrationPreset      string  `mapstructure:"narration_preset" yaml:"narration_preset"`
	NarrationRatio       float64 `mapstructure:"narration_ratio" yaml:"narration_ratio"`
	MemoryTopK           int     `mapstructure:"memory_top_k" yaml:"memory_top_k"`
	RecentEventsWindow   int     `mapstructure:"recent_events_window" yaml:"recent_events_window"`
	RefineEnabled        bool    `mapstructure:"refine_enabled" yaml:"refine_enabled"`
	EvidenceMinSupportScore float64 `mapstructure:"evidence_min_support_score" yaml:"evidence_min_support_score"`
	EvidenceMaxSnippets  int     `mapstructure:"evidence_max_snippets" yaml:"evidence_max_snippets"`
	StepSize             int     `mapstructure:"step_size" yaml:"step_size"`
	StepAlign            string  `mapstructure:"step_align" yaml:"step_align"` // "auto" | "off"
	StepCheckpointEnabled bool   `mapstructure:"step_checkpoint_enabled" yaml:"step_checkpoint_enabled"`
	StepResumeMode       string  `mapstructure:"step_resume_mode" yaml:"step_resume_mode"` // "continue" | "restore"
	StepMemoryMode       string  `mapstructure:"step_memory_mode" yaml:"step_memory_mode"` // "per_chapter" | "per_step_shared" | "off"
	PrefetchWindow       int     `mapstructure:"prefetch_window" yaml:"prefetch_window"`

	// Language/style/content knobs read by the storyteller graph nodes
	// via effective_storyteller_value-style tier override lookups.
	Language             string  `mapstructure:"language" yaml:"language"`
	Style                string  `mapstructure:"style" yaml:"style"`
	IncludeKeyDialogue   bool    `mapstructure:"include_key_dialogue" yaml:"include_key_dialogue"`
	IncludeInnerThoughts bool    `mapstructure:"include_inner_thoughts" yaml:"include_inner_thoughts"`
	EntityExtractMode    string  `mapstructure:"entity_extract_mode" yaml:"entity_extract_mode"` // "light" | "full"

	// Per-node temperatures, distinct from each route's own Temperature
	// default so tier overrides and config can adjust them independently.
	EntityTemperature    float64 `mapstructure:"entity_temperature" yaml:"entity_temperature"`
	NarrationTemperature float64 `mapstructure:"narration_temperature" yaml:"narration_temperature"`
	RefineTemperature    float64 `mapstructure:"refine_temperature" yaml:"refine_temperature"`
}

// narrationPresets maps presets to (ratio_min, ratio_max).
var narrationPresets = map[string][2]float64{
	"short":  {0.2, 0.3},
	"medium": {0.4, 0.5},
	"long":   {0.65, 0.8},
}

// ResolvedNarrationRatio returns the configured ratio if set, else the
// midpoint of the preset's range, else the medium preset's midpoint.
func (s StorytellerConfig) ResolvedNarrationRatio() float64 {
	if s.NarrationRatio > 0 {
		return s.NarrationRatio
	}
	preset := s.NarrationPreset
	if preset == "" {
		preset = "medium"
	}
	bounds, ok := narrationPresets[preset]
	if !ok {
		bounds = narrationPresets["medium"]
	}
	return (bounds[0] + bounds[1]) / 2
}

// TieringConfig holds per-length-tier narration profiles plus the
// rules deciding which tier a chapter falls into.
type TieringConfig struct {
	Enabled bool                   `mapstructure:"enabled" yaml:"enabled"`
	Tiers   map[string]TierProfile `mapstructure:"tiers" yaml:"tiers"`

	// Tier-selection rules, checked in order: every-Nth chapter, then
	// minimum character count, then keyword triggers; DefaultTier wins
	// if none match (or if Enabled is false, Storyteller.NarrationPreset
	// is used directly instead of this struct).
	LongEveryN          int      `mapstructure:"long_every_n" yaml:"long_every_n"`
	LongMinChars        int      `mapstructure:"long_min_chars" yaml:"long_min_chars"`
	LongKeywordTriggers []string `mapstructure:"long_keyword_triggers" yaml:"long_keyword_triggers"`
	DefaultTier         string   `mapstructure:"default_tier" yaml:"default_tier"`
}

// TierProfile is one of short|medium|long's narration profile.
type TierProfile struct {
	Ratio       float64 `mapstructure:"ratio" yaml:"ratio"`
	TopK        int     `mapstructure:"top_k" yaml:"top_k"`
	Dialogue    bool    `mapstructure:"dialogue" yaml:"dialogue"`
	Thoughts    bool    `mapstructure:"thoughts" yaml:"thoughts"`
	Refine      bool    `mapstructure:"refine" yaml:"refine"`
	EntityMode  string  `mapstructure:"entity_mode" yaml:"entity_mode"`
}

// ObservabilityConfig controls structured-log verbosity.
type ObservabilityConfig struct {
	LogJSONErrorPayload      bool `mapstructure:"log_json_error_payload" yaml:"log_json_error_payload"`
	JSONErrorPayloadMaxChars int  `mapstructure:"json_error_payload_max_chars" yaml:"json_error_payload_max_chars"`
	LogRetryAttempts         bool `mapstructure:"log_retry_attempts" yaml:"log_retry_attempts"`
}

// Route names recognized by the LLM client router.
const (
	RouteSummarize           = "summarize"
	RouteStoryteller         = "storyteller"
	RouteStorytellerEntity   = "storyteller_entity"
	RouteStorytellerNarration = "storyteller_narration"
	RouteStorytellerRefine   = "storyteller_refine"
	RouteEmbed               = "embed"
)

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			SqlitePath:   "storyteller.db",
			VectorDBPath: "vectors.db",
		},
		OutputDir: "output",
		Routes: map[string]RouteConfig{
			RouteSummarize: {
				Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet",
				Temperature: 0.3, TimeoutSeconds: 120, MaxConcurrency: 4, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			RouteStoryteller: {
				Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet",
				Temperature: 0.7, TimeoutSeconds: 180, MaxConcurrency: 4, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			RouteStorytellerEntity: {
				Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet",
				Temperature: 0.1, TimeoutSeconds: 120, MaxConcurrency: 6, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			RouteStorytellerNarration: {
				Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet",
				Temperature: 0.8, TimeoutSeconds: 240, MaxConcurrency: 3, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			RouteStorytellerRefine: {
				Provider: "openrouter", Model: "anthropic/claude-3.5-sonnet",
				Temperature: 0.5, TimeoutSeconds: 120, MaxConcurrency: 3, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
			RouteEmbed: {
				Provider: "openrouter", Model: "openai/text-embedding-3-small",
				TimeoutSeconds: 60, MaxConcurrency: 8, Retries: 3,
				APIKeyEnv: "OPENROUTER_API_KEY",
			},
		},
		Storyteller: StorytellerConfig{
			NarrationPreset:         "medium",
			MemoryTopK:              8,
			RecentEventsWindow:      20,
			RefineEnabled:           true,
			EvidenceMinSupportScore: 0.5,
			EvidenceMaxSnippets:     5,
			StepSize:                1,
			StepAlign:               "auto",
			StepCheckpointEnabled:   true,
			StepResumeMode:          "continue",
			StepMemoryMode:          "per_chapter",
			PrefetchWindow:          1,
			Language:                "zh",
			Style:                   "evocative",
			IncludeKeyDialogue:      true,
			IncludeInnerThoughts:    true,
			EntityExtractMode:       "full",
			EntityTemperature:       0.1,
			NarrationTemperature:    0.8,
			RefineTemperature:       0.5,
		},
		Tiering: TieringConfig{
			Enabled: false,
			Tiers: map[string]TierProfile{
				"short":  {Ratio: 0.25, TopK: 5, Dialogue: true, Thoughts: false, Refine: false, EntityMode: "light"},
				"medium": {Ratio: 0.45, TopK: 8, Dialogue: true, Thoughts: true, Refine: true, EntityMode: "full"},
				"long":   {Ratio: 0.72, TopK: 12, Dialogue: true, Thoughts: true, Refine: true, EntityMode: "full"},
			},
			LongEveryN:          0,
			LongMinChars:        6000,
			LongKeywordTriggers: []string{"大战", "决战", "finale", "boss"},
			DefaultTier:         "medium",
		},
		Observability: ObservabilityConfig{
			LogJSONErrorPayload:      true,
			JSONErrorPayloadMaxChars: 2000,
			LogRetryAttempts:         true,
		},
	}
}

// ResolveAPIKey returns a route's resolved API key: a literal APIKey if
// set, else the value of its APIKeyEnv environment variable.
func (c *Config) ResolveAPIKey(route string) string {
	r, ok := c.Routes[route]
	if !ok {
		return ""
	}
	if r.APIKey != "" {
		return ResolveEnvVars(r.APIKey)
	}
	if r.APIKeyEnv != "" {
		return ResolveEnvVars("${" + r.APIKeyEnv + "}")
	}
	return ""
}
