package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config — Central configuration for a Kairos organism.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. YAML configuration file
//	  3. Environment variables (KAIROS_* prefix)
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// StorageConfig groups persistence-related settings.
type StorageConfig struct {
	// DataPath is the directory where .krs state files are stored.
	DataPath string `yaml:"dataPath"`

	// Compress gzips the msgpack body of every state file.
	Compress bool `yaml:"compress"`

	// Fsync flushes file and directory on every save.
	Fsync bool `yaml:"fsync"`

	// AutoSave writes state back after every turn. Training batches saves
	// per epoch regardless of this flag.
	AutoSave bool `yaml:"autoSave"`
}

// ExtractorConfig groups signal extractor ensemble settings.
type ExtractorConfig struct {
	// Enabled is the ordered list of built-in extractors. Order defines
	// coupling matrix indices and the signature layout.
	Enabled []string `yaml:"enabled"`

	// CacheSize is the number of extraction results kept in the LRU.
	// 0 disables caching.
	CacheSize int `yaml:"cacheSize"`

	// NoveltyWindow is how many recent turns the novelty extractor remembers.
	NoveltyWindow int `yaml:"noveltyWindow"`

	// MaxTurnBytes is the hard upper bound for one turn's text.
	MaxTurnBytes int64 `yaml:"maxTurnBytes"`
}

// NexusConfig groups co-activation detector settings.
type NexusConfig struct {
	// IntersectionThreshold is the minimum feature contribution for an
	// extractor to participate in a nexus. Lowering it is the largest
	// lever for raising nexus counts.
	IntersectionThreshold float64 `yaml:"intersectionThreshold"`
}

// EnergyWeights are the weights of the energy terms. They must sum to 1.
type EnergyWeights struct {
	Satisfaction float64 `yaml:"satisfaction"`
	Delta        float64 `yaml:"delta"`
	Agreement    float64 `yaml:"agreement"`
	Resonance    float64 `yaml:"resonance"`
	Complexity   float64 `yaml:"complexity"`
	Lure         float64 `yaml:"lure"`
}

// Sum returns the total of all weights.
func (w EnergyWeights) Sum() float64 {
	return w.Satisfaction + w.Delta + w.Agreement + w.Resonance + w.Complexity + w.Lure
}

// ConvergenceConfig groups energy descent settings.
type ConvergenceConfig struct {
	Weights EnergyWeights `yaml:"weights"`

	// InitialEnergy is the energy every turn starts from.
	InitialEnergy float64 `yaml:"initialEnergy"`

	// KairosLow and KairosHigh bound the stopping window.
	KairosLow  float64 `yaml:"kairosLow"`
	KairosHigh float64 `yaml:"kairosHigh"`

	// SatisfactionBar must be exceeded for the stopping test to pass.
	SatisfactionBar float64 `yaml:"satisfactionBar"`

	// MinKairosCycle is the first cycle eligible for the stopping test.
	// Energy overshoots the window on cycle 1 for fast-converging input,
	// so the default is 2.
	MinKairosCycle int `yaml:"minKairosCycle"`

	// MaxCycles is the hard cycle cap.
	MaxCycles int `yaml:"maxCycles"`

	// ConfidenceBoost multiplies satisfaction on convergence.
	ConfidenceBoost float64 `yaml:"confidenceBoost"`

	// NonConvergencePenalty multiplies satisfaction at the cycle cap.
	NonConvergencePenalty float64 `yaml:"nonConvergencePenalty"`

	// SpreadRate is the share of activation redistributed through the
	// coupling matrix per cycle.
	SpreadRate float64 `yaml:"spreadRate"`

	// TargetBonus is the satisfaction bonus for landing near the family's
	// learned energy target.
	TargetBonus float64 `yaml:"targetBonus"`

	// HistorySize bounds the per-turn energy trace.
	HistorySize int `yaml:"historySize"`
}

// CouplingConfig groups Hebbian coupling matrix settings.
type CouplingConfig struct {
	// LearningRate is η. Rates near 0.05 saturate the matrix within a few
	// hundred turns and erase its discriminative power.
	LearningRate float64 `yaml:"learningRate"`

	// NonConvergedPolicy decides the update for MAX_CYCLES_REACHED turns:
	// skip | reduced | full.
	NonConvergedPolicy string `yaml:"nonConvergedPolicy"`

	// ReducedFactor scales η under the reduced policy.
	ReducedFactor float64 `yaml:"reducedFactor"`
}

// FamilyConfig groups online clustering settings.
type FamilyConfig struct {
	// SimilarityThreshold is the minimum cosine similarity to join a family.
	// Too high over-fragments, too low collapses everything into one family.
	SimilarityThreshold float64 `yaml:"similarityThreshold"`

	// MaxMembers caps the member counter. Capped families keep moving.
	MaxMembers int `yaml:"maxMembers"`

	// MaxFamilies bounds the family set. The closest pair is merged on overflow.
	MaxFamilies int `yaml:"maxFamilies"`

	SatisfactionAlpha float64 `yaml:"satisfactionAlpha"`
	TargetAlpha       float64 `yaml:"targetAlpha"`

	// QualityGate is the satisfaction a turn needs to move the V0 target.
	QualityGate float64 `yaml:"qualityGate"`

	// ConfirmGate is the satisfaction a turn needs to move the centroid.
	ConfirmGate float64 `yaml:"confirmGate"`

	// HistorySize bounds per-family energy and satisfaction windows.
	HistorySize int `yaml:"historySize"`

	// MergeThreshold is the centroid similarity at which consolidation merges.
	MergeThreshold float64 `yaml:"mergeThreshold"`

	// ConsolidateEvery runs consolidation every N turns. 0 disables it.
	ConsolidateEvery int `yaml:"consolidateEvery"`

	// DiversityWindow bounds the ring of recent signatures.
	DiversityWindow int `yaml:"diversityWindow"`

	// CollapseSimilarity flags centroid collapse when the mean pairwise
	// similarity of recent signatures reaches it.
	CollapseSimilarity float64 `yaml:"collapseSimilarity"`
}

// RegimeRates maps each regime to its evolution rate.
type RegimeRates struct {
	Calibrating float64 `yaml:"calibrating"`
	Exploring   float64 `yaml:"exploring"`
	Converging  float64 `yaml:"converging"`
	Committed   float64 `yaml:"committed"`
	Plateaued   float64 `yaml:"plateaued"`
}

// RegimeConfig groups regime classifier and threshold evolver settings.
type RegimeConfig struct {
	Window            int         `yaml:"window"`
	MinSamples        int         `yaml:"minSamples"`
	CommittedMean     float64     `yaml:"committedMean"`
	CommittedVariance float64     `yaml:"committedVariance"`
	ExploringVariance float64     `yaml:"exploringVariance"`
	RisingTrend       float64     `yaml:"risingTrend"`
	Rates             RegimeRates `yaml:"rates"`

	ThresholdMin       float64 `yaml:"thresholdMin"`
	ThresholdMax       float64 `yaml:"thresholdMax"`
	InitialThreshold   float64 `yaml:"initialThreshold"`
	TargetSatisfaction float64 `yaml:"targetSatisfaction"`
	StepGain           float64 `yaml:"stepGain"`

	// HistorySize bounds the persisted threshold history.
	HistorySize int `yaml:"historySize"`
}

// EmissionConfig groups strategy dispatcher settings.
type EmissionConfig struct {
	// HeavyWeight is the external weight at or above which the LLM scaffolds.
	HeavyWeight float64 `yaml:"heavyWeight"`

	// FusionFloor is the external weight below which fusion is not attempted.
	FusionFloor float64 `yaml:"fusionFloor"`

	// Weaning schedule: weight = max(floor, initial * 2^(-turns/halfLife)).
	WeaningInitial  float64 `yaml:"weaningInitial"`
	WeaningHalfLife float64 `yaml:"weaningHalfLife"`
	WeaningFloor    float64 `yaml:"weaningFloor"`

	FallbackText       string  `yaml:"fallbackText"`
	FallbackConfidence float64 `yaml:"fallbackConfidence"`

	// PhraseBank overrides the built-in phrases per nexus feature.
	PhraseBank map[string][]string `yaml:"phraseBank"`
}

// LLMConfig groups the external generator settings.
type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"baseURL"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"maxTokens"`
	Temperature float64       `yaml:"temperature"`

	// RateLimitRPS budgets generator calls. 0 disables the budget.
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
}

// JournalConfig groups the SQLite turn journal settings.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path defaults to <dataPath>/journal.db.
	Path string `yaml:"path"`

	// CSVPath is the default destination of `kairos export`.
	CSVPath string `yaml:"csvPath"`

	// PatternsPerFamily bounds the learned fallback texts per family.
	PatternsPerFamily int `yaml:"patternsPerFamily"`
}

// ServerConfig groups network listener settings.
type ServerConfig struct {
	HTTPAddr       string        `yaml:"httpAddr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxRequestBody int64         `yaml:"maxRequestBody"`
	AllowedOrigins string        `yaml:"allowedOrigins"`
}

// AdminConfig guards the /v1/admin routes with Basic auth.
type AdminConfig struct {
	Enabled  bool   `yaml:"enabled"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	APIKey    string `yaml:"apiKey"`
	Stateless bool   `yaml:"stateless"`

	// EnablePrompts registers the kairos_session prompt.
	EnablePrompts bool `yaml:"enablePrompts"`

	// AllowedTools restricts the registered tools. Empty means all.
	AllowedTools []string `yaml:"allowedTools"`

	// RateLimitRPS controls per-client rate limiting. 0 disables it.
	RateLimitRPS   float64 `yaml:"rateLimitRPS"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
}

// DaemonConfig groups background daemon interval settings.
type DaemonConfig struct {
	PersistInterval     time.Duration `yaml:"persistInterval"`
	ConsolidateInterval time.Duration `yaml:"consolidateInterval"`

	// IdleAfter is how long the conversation must be quiet before the
	// consolidation daemon is allowed to merge families.
	IdleAfter time.Duration `yaml:"idleAfter"`
}

// LogConfig groups logging settings.
type LogConfig struct {
	// Level is one of debug | info | warn | error.
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"noColor"`
}

// Config is the root configuration object for a Kairos organism.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Extractors  ExtractorConfig   `yaml:"extractors"`
	Nexus       NexusConfig       `yaml:"nexus"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Coupling    CouplingConfig    `yaml:"coupling"`
	Family      FamilyConfig      `yaml:"family"`
	Regime      RegimeConfig      `yaml:"regime"`
	Emission    EmissionConfig    `yaml:"emission"`
	LLM         LLMConfig         `yaml:"llm"`
	Journal     JournalConfig     `yaml:"journal"`
	Server      ServerConfig      `yaml:"server"`
	Admin       AdminConfig       `yaml:"admin"`
	MCP         MCPConfig         `yaml:"mcp"`
	Daemons     DaemonConfig      `yaml:"daemons"`
	Log         LogConfig         `yaml:"log"`
}

// Coupling update policies for MAX_CYCLES_REACHED turns.
const (
	PolicySkip    = "skip"
	PolicyReduced = "reduced"
	PolicyFull    = "full"
)

// DefaultExtractors is the built-in ensemble order.
var DefaultExtractors = []string{"affect", "structure", "relational", "temporal", "novelty"}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults tuned on
// conversational traffic.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath: "./data",
			Compress: true,
			Fsync:    true,
			AutoSave: true,
		},
		Extractors: ExtractorConfig{
			Enabled:       append([]string(nil), DefaultExtractors...),
			CacheSize:     256,
			NoveltyWindow: 32,
			MaxTurnBytes:  DefaultMaxTurnBytes,
		},
		Nexus: NexusConfig{
			IntersectionThreshold: 0.04,
		},
		Convergence: ConvergenceConfig{
			Weights: EnergyWeights{
				Satisfaction: 0.30,
				Delta:        0.10,
				Agreement:    0.15,
				Resonance:    0.15,
				Complexity:   0.10,
				Lure:         0.20,
			},
			InitialEnergy:         1.0,
			KairosLow:             0.20,
			KairosHigh:            0.70,
			SatisfactionBar:       0.70,
			MinKairosCycle:        2,
			MaxCycles:             5,
			ConfidenceBoost:       1.5,
			NonConvergencePenalty: 0.7,
			SpreadRate:            0.25,
			TargetBonus:           0.10,
			HistorySize:           8,
		},
		Coupling: CouplingConfig{
			LearningRate:       0.005,
			NonConvergedPolicy: PolicyReduced,
			ReducedFactor:      0.5,
		},
		Family: FamilyConfig{
			SimilarityThreshold: 0.85,
			MaxMembers:          100,
			MaxFamilies:         64,
			SatisfactionAlpha:   0.1,
			TargetAlpha:         0.1,
			QualityGate:         0.8,
			ConfirmGate:         0.5,
			HistorySize:         32,
			MergeThreshold:      0.97,
			ConsolidateEvery:    50,
			DiversityWindow:     64,
			CollapseSimilarity:  0.97,
		},
		Regime: RegimeConfig{
			Window:            20,
			MinSamples:        10,
			CommittedMean:     0.80,
			CommittedVariance: 0.005,
			ExploringVariance: 0.02,
			RisingTrend:       0.005,
			Rates: RegimeRates{
				Calibrating: 1.0,
				Exploring:   0.7,
				Converging:  0.5,
				Plateaued:   0.3,
				Committed:   0.1,
			},
			ThresholdMin:       0.30,
			ThresholdMax:       0.75,
			InitialThreshold:   0.50,
			TargetSatisfaction: 0.75,
			StepGain:           0.1,
			HistorySize:        64,
		},
		Emission: EmissionConfig{
			HeavyWeight:        0.6,
			FusionFloor:        0.15,
			WeaningInitial:     0.8,
			WeaningHalfLife:    500,
			WeaningFloor:       0.05,
			FallbackText:       "I'm here. Tell me more.",
			FallbackConfidence: 0.15,
		},
		LLM: LLMConfig{
			Enabled:        false,
			BaseURL:        "http://localhost:11434/v1",
			Model:          "llama3",
			Timeout:        20 * time.Second,
			MaxTokens:      256,
			Temperature:    0.7,
			RateLimitRPS:   1,
			RateLimitBurst: 3,
		},
		Journal: JournalConfig{
			Enabled:           true,
			CSVPath:           "turns.csv",
			PatternsPerFamily: 32,
		},
		Server: ServerConfig{
			HTTPAddr:       ":7070",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxRequestBody: 1 << 20, // 1 MB
			AllowedOrigins: "http://localhost:7070",
		},
		Admin: AdminConfig{
			Enabled:  false,
			User:     "admin",
			Password: "",
		},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Daemons: DaemonConfig{
			PersistInterval:     1 * time.Minute,
			ConsolidateInterval: 10 * time.Minute,
			IdleAfter:           2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix KAIROS_):
//
//	KAIROS_DATA_PATH               → Storage.DataPath
//	KAIROS_COMPRESS                → Storage.Compress              ("true"/"false")
//	KAIROS_FSYNC                   → Storage.Fsync                 ("true"/"false")
//	KAIROS_AUTOSAVE                → Storage.AutoSave              ("true"/"false")
//	KAIROS_EXTRACTORS              → Extractors.Enabled            (comma-separated)
//	KAIROS_EXTRACTOR_CACHE_SIZE    → Extractors.CacheSize
//	KAIROS_MAX_TURN_BYTES          → Extractors.MaxTurnBytes       (bytes, integer)
//	KAIROS_INTERSECTION_THRESHOLD  → Nexus.IntersectionThreshold   (float)
//	KAIROS_MIN_KAIROS_CYCLE        → Convergence.MinKairosCycle
//	KAIROS_MAX_CYCLES              → Convergence.MaxCycles
//	KAIROS_SATISFACTION_BAR        → Convergence.SatisfactionBar   (float)
//	KAIROS_LEARNING_RATE           → Coupling.LearningRate         (float)
//	KAIROS_NON_CONVERGED_POLICY    → Coupling.NonConvergedPolicy   (skip|reduced|full)
//	KAIROS_SIMILARITY_THRESHOLD    → Family.SimilarityThreshold    (float)
//	KAIROS_MAX_MEMBERS             → Family.MaxMembers
//	KAIROS_MAX_FAMILIES            → Family.MaxFamilies
//	KAIROS_TARGET_SATISFACTION     → Regime.TargetSatisfaction     (float)
//	KAIROS_WEANING_HALF_LIFE       → Emission.WeaningHalfLife      (float, turns)
//	KAIROS_LLM_ENABLED             → LLM.Enabled                   ("true"/"false")
//	KAIROS_LLM_BASE_URL            → LLM.BaseURL
//	KAIROS_LLM_API_KEY             → LLM.APIKey
//	KAIROS_LLM_MODEL               → LLM.Model
//	KAIROS_LLM_TIMEOUT             → LLM.Timeout                   (duration string)
//	KAIROS_JOURNAL_ENABLED         → Journal.Enabled               ("true"/"false")
//	KAIROS_JOURNAL_PATH            → Journal.Path
//	KAIROS_HTTP_ADDR               → Server.HTTPAddr
//	KAIROS_ALLOWED_ORIGINS         → Server.AllowedOrigins
//	KAIROS_MAX_REQUEST_BODY        → Server.MaxRequestBody         (bytes, integer)
//	KAIROS_ADMIN_ENABLED           → Admin.Enabled                 ("true"/"false")
//	KAIROS_ADMIN_USER              → Admin.User
//	KAIROS_ADMIN_PASSWORD          → Admin.Password
//	KAIROS_MCP_ENABLED             → MCP.Enabled                   ("true"/"false")
//	KAIROS_MCP_PATH                → MCP.Path
//	KAIROS_MCP_API_KEY             → MCP.APIKey
//	KAIROS_PERSIST_INTERVAL        → Daemons.PersistInterval       (duration string)
//	KAIROS_CONSOLIDATE_INTERVAL    → Daemons.ConsolidateInterval   (duration string)
//	KAIROS_IDLE_AFTER              → Daemons.IdleAfter             (duration string)
//	KAIROS_LOG_LEVEL               → Log.Level
//	KAIROS_NO_COLOR                → Log.NoColor                   ("true"/"false")
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Storage --
	setEnvStr("KAIROS_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("KAIROS_COMPRESS", &cfg.Storage.Compress)
	setEnvBool("KAIROS_FSYNC", &cfg.Storage.Fsync)
	setEnvBool("KAIROS_AUTOSAVE", &cfg.Storage.AutoSave)

	// -- Extractors --
	setEnvCSV("KAIROS_EXTRACTORS", &cfg.Extractors.Enabled)
	setEnvInt("KAIROS_EXTRACTOR_CACHE_SIZE", &cfg.Extractors.CacheSize)
	setEnvInt64("KAIROS_MAX_TURN_BYTES", &cfg.Extractors.MaxTurnBytes)

	// -- Core dynamics --
	setEnvFloat("KAIROS_INTERSECTION_THRESHOLD", &cfg.Nexus.IntersectionThreshold)
	setEnvInt("KAIROS_MIN_KAIROS_CYCLE", &cfg.Convergence.MinKairosCycle)
	setEnvInt("KAIROS_MAX_CYCLES", &cfg.Convergence.MaxCycles)
	setEnvFloat("KAIROS_SATISFACTION_BAR", &cfg.Convergence.SatisfactionBar)
	setEnvFloat("KAIROS_LEARNING_RATE", &cfg.Coupling.LearningRate)
	setEnvStr("KAIROS_NON_CONVERGED_POLICY", &cfg.Coupling.NonConvergedPolicy)
	setEnvFloat("KAIROS_SIMILARITY_THRESHOLD", &cfg.Family.SimilarityThreshold)
	setEnvInt("KAIROS_MAX_MEMBERS", &cfg.Family.MaxMembers)
	setEnvInt("KAIROS_MAX_FAMILIES", &cfg.Family.MaxFamilies)
	setEnvFloat("KAIROS_TARGET_SATISFACTION", &cfg.Regime.TargetSatisfaction)
	setEnvFloat("KAIROS_WEANING_HALF_LIFE", &cfg.Emission.WeaningHalfLife)

	// -- LLM --
	setEnvBool("KAIROS_LLM_ENABLED", &cfg.LLM.Enabled)
	setEnvStr("KAIROS_LLM_BASE_URL", &cfg.LLM.BaseURL)
	setEnvStr("KAIROS_LLM_API_KEY", &cfg.LLM.APIKey)
	setEnvStr("KAIROS_LLM_MODEL", &cfg.LLM.Model)
	setEnvDuration("KAIROS_LLM_TIMEOUT", &cfg.LLM.Timeout)

	// -- Journal --
	setEnvBool("KAIROS_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	setEnvStr("KAIROS_JOURNAL_PATH", &cfg.Journal.Path)

	// -- Server --
	setEnvStr("KAIROS_HTTP_ADDR", &cfg.Server.HTTPAddr)
	setEnvStr("KAIROS_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	setEnvInt64("KAIROS_MAX_REQUEST_BODY", &cfg.Server.MaxRequestBody)

	// -- Admin --
	setEnvBool("KAIROS_ADMIN_ENABLED", &cfg.Admin.Enabled)
	setEnvStr("KAIROS_ADMIN_USER", &cfg.Admin.User)
	setEnvStr("KAIROS_ADMIN_PASSWORD", &cfg.Admin.Password)

	// -- MCP --
	setEnvBool("KAIROS_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("KAIROS_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("KAIROS_MCP_API_KEY", &cfg.MCP.APIKey)

	// -- Daemons --
	setEnvDuration("KAIROS_PERSIST_INTERVAL", &cfg.Daemons.PersistInterval)
	setEnvDuration("KAIROS_CONSOLIDATE_INTERVAL", &cfg.Daemons.ConsolidateInterval)
	setEnvDuration("KAIROS_IDLE_AFTER", &cfg.Daemons.IdleAfter)

	// -- Log --
	setEnvStr("KAIROS_LOG_LEVEL", &cfg.Log.Level)
	setEnvBool("KAIROS_NO_COLOR", &cfg.Log.NoColor)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// JournalPath resolves the journal database location.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return strings.TrimRight(c.Storage.DataPath, "/") + "/journal.db"
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// weightTolerance is the allowed drift of the energy weight sum from 1.
const weightTolerance = 1e-6

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
// A weight set that does not sum to 1 wraps ErrInvalidWeights.
func (c *Config) Validate() error {
	// Storage
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}

	// Extractors
	if len(c.Extractors.Enabled) < 2 {
		return fmt.Errorf("extractors.enabled must list at least 2 extractors, got %d", len(c.Extractors.Enabled))
	}
	seen := make(map[string]struct{}, len(c.Extractors.Enabled))
	for _, name := range c.Extractors.Enabled {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("extractors.enabled lists %q twice", name)
		}
		seen[name] = struct{}{}
	}
	if c.Extractors.CacheSize < 0 {
		return fmt.Errorf("extractors.cacheSize must be >= 0")
	}
	if c.Extractors.NoveltyWindow < 1 {
		return fmt.Errorf("extractors.noveltyWindow must be >= 1")
	}
	if c.Extractors.MaxTurnBytes <= 0 {
		return fmt.Errorf("extractors.maxTurnBytes must be > 0")
	}

	// Nexus
	if c.Nexus.IntersectionThreshold < 0 || c.Nexus.IntersectionThreshold >= 1 {
		return fmt.Errorf("nexus.intersectionThreshold must be in [0, 1), got %f", c.Nexus.IntersectionThreshold)
	}

	// Convergence
	cv := c.Convergence
	for name, w := range map[string]float64{
		"satisfaction": cv.Weights.Satisfaction,
		"delta":        cv.Weights.Delta,
		"agreement":    cv.Weights.Agreement,
		"resonance":    cv.Weights.Resonance,
		"complexity":   cv.Weights.Complexity,
		"lure":         cv.Weights.Lure,
	} {
		if w < 0 {
			return fmt.Errorf("%w: convergence.weights.%s must be >= 0, got %f", ErrInvalidWeights, name, w)
		}
	}
	if sum := cv.Weights.Sum(); math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: convergence.weights sum to %f", ErrInvalidWeights, sum)
	}
	if cv.InitialEnergy <= 0 {
		return fmt.Errorf("convergence.initialEnergy must be > 0")
	}
	if cv.KairosLow < 0 || cv.KairosHigh > 1 || cv.KairosLow >= cv.KairosHigh {
		return fmt.Errorf("convergence kairos window [%f, %f] must satisfy 0 <= low < high <= 1", cv.KairosLow, cv.KairosHigh)
	}
	if cv.SatisfactionBar <= 0 || cv.SatisfactionBar >= 1 {
		return fmt.Errorf("convergence.satisfactionBar must be in (0, 1)")
	}
	if cv.MinKairosCycle < 1 {
		return fmt.Errorf("convergence.minKairosCycle must be >= 1, got %d", cv.MinKairosCycle)
	}
	if cv.MaxCycles < cv.MinKairosCycle {
		return fmt.Errorf("convergence.maxCycles (%d) must be >= convergence.minKairosCycle (%d)",
			cv.MaxCycles, cv.MinKairosCycle)
	}
	if cv.ConfidenceBoost < 1 {
		return fmt.Errorf("convergence.confidenceBoost must be >= 1")
	}
	if cv.NonConvergencePenalty <= 0 || cv.NonConvergencePenalty > 1 {
		return fmt.Errorf("convergence.nonConvergencePenalty must be in (0, 1]")
	}
	if cv.SpreadRate < 0 || cv.SpreadRate > 1 {
		return fmt.Errorf("convergence.spreadRate must be in [0, 1]")
	}
	if cv.TargetBonus < 0 || cv.TargetBonus > 0.5 {
		return fmt.Errorf("convergence.targetBonus must be in [0, 0.5]")
	}
	if cv.HistorySize < 1 {
		return fmt.Errorf("convergence.historySize must be >= 1")
	}

	// Coupling
	if c.Coupling.LearningRate <= 0 || c.Coupling.LearningRate > 0.05 {
		return fmt.Errorf("coupling.learningRate must be in (0, 0.05], got %f", c.Coupling.LearningRate)
	}
	if c.Coupling.LearningRate > 0.01 {
		slog.Warn("⚠ coupling.learningRate is high; the matrix will saturate toward 1.0 within a few hundred turns and lose discriminative power",
			"learningRate", c.Coupling.LearningRate)
	}
	policy := strings.ToLower(strings.TrimSpace(c.Coupling.NonConvergedPolicy))
	if policy != PolicySkip && policy != PolicyReduced && policy != PolicyFull {
		return fmt.Errorf("coupling.nonConvergedPolicy must be one of skip|reduced|full")
	}
	c.Coupling.NonConvergedPolicy = policy
	if c.Coupling.ReducedFactor <= 0 || c.Coupling.ReducedFactor > 1 {
		return fmt.Errorf("coupling.reducedFactor must be in (0, 1]")
	}

	// Family
	f := c.Family
	if f.SimilarityThreshold <= 0 || f.SimilarityThreshold >= 1 {
		return fmt.Errorf("family.similarityThreshold must be in (0, 1), got %f", f.SimilarityThreshold)
	}
	if f.SimilarityThreshold < 0.5 {
		slog.Warn("⚠ family.similarityThreshold is low; most turns will collapse into a single family",
			"similarityThreshold", f.SimilarityThreshold)
	}
	if f.MaxMembers < 1 {
		return fmt.Errorf("family.maxMembers must be >= 1")
	}
	if f.MaxFamilies < 2 {
		return fmt.Errorf("family.maxFamilies must be >= 2")
	}
	for name, a := range map[string]float64{
		"family.satisfactionAlpha": f.SatisfactionAlpha,
		"family.targetAlpha":       f.TargetAlpha,
	} {
		if a <= 0 || a > 1 {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}
	if f.QualityGate < 0 || f.QualityGate > 1 || f.ConfirmGate < 0 || f.ConfirmGate > 1 {
		return fmt.Errorf("family.qualityGate and family.confirmGate must be in [0, 1]")
	}
	if f.HistorySize < 1 || f.DiversityWindow < 2 {
		return fmt.Errorf("family.historySize must be >= 1 and family.diversityWindow >= 2")
	}
	if f.MergeThreshold <= f.SimilarityThreshold || f.MergeThreshold > 1 {
		return fmt.Errorf("family.mergeThreshold (%f) must be in (family.similarityThreshold, 1]", f.MergeThreshold)
	}
	if f.ConsolidateEvery < 0 {
		return fmt.Errorf("family.consolidateEvery must be >= 0")
	}

	// Regime
	r := c.Regime
	if r.Window < 2 {
		return fmt.Errorf("regime.window must be >= 2")
	}
	if r.MinSamples < 2 || r.MinSamples > r.Window {
		return fmt.Errorf("regime.minSamples (%d) must be in [2, regime.window (%d)]", r.MinSamples, r.Window)
	}
	if r.CommittedVariance >= r.ExploringVariance {
		return fmt.Errorf("regime.committedVariance must be < regime.exploringVariance")
	}
	for name, rate := range map[string]float64{
		"calibrating": r.Rates.Calibrating,
		"exploring":   r.Rates.Exploring,
		"converging":  r.Rates.Converging,
		"committed":   r.Rates.Committed,
		"plateaued":   r.Rates.Plateaued,
	} {
		if rate < MinEvolutionRate || rate > MaxEvolutionRate {
			return fmt.Errorf("regime.rates.%s must be in [%.1f, %.1f], got %f", name, MinEvolutionRate, MaxEvolutionRate, rate)
		}
	}
	if r.ThresholdMin < 0 || r.ThresholdMax > 1 || r.ThresholdMin >= r.ThresholdMax {
		return fmt.Errorf("regime threshold clamp [%f, %f] must satisfy 0 <= min < max <= 1", r.ThresholdMin, r.ThresholdMax)
	}
	if r.InitialThreshold < r.ThresholdMin || r.InitialThreshold > r.ThresholdMax {
		return fmt.Errorf("regime.initialThreshold must lie inside the threshold clamp")
	}
	if r.TargetSatisfaction <= 0 || r.TargetSatisfaction >= 1 {
		return fmt.Errorf("regime.targetSatisfaction must be in (0, 1)")
	}
	if r.StepGain <= 0 || r.StepGain > 1 {
		return fmt.Errorf("regime.stepGain must be in (0, 1]")
	}
	if r.HistorySize < 1 {
		return fmt.Errorf("regime.historySize must be >= 1")
	}

	// Emission
	e := c.Emission
	if e.FusionFloor < 0 || e.FusionFloor >= e.HeavyWeight || e.HeavyWeight > 1 {
		return fmt.Errorf("emission weights must satisfy 0 <= fusionFloor < heavyWeight <= 1")
	}
	if e.WeaningInitial < 0 || e.WeaningInitial > 1 || e.WeaningFloor < 0 || e.WeaningFloor > e.WeaningInitial {
		return fmt.Errorf("emission weaning must satisfy 0 <= floor <= initial <= 1")
	}
	if e.WeaningHalfLife <= 0 {
		return fmt.Errorf("emission.weaningHalfLife must be > 0")
	}
	if strings.TrimSpace(e.FallbackText) == "" {
		return fmt.Errorf("emission.fallbackText must not be empty")
	}
	if e.FallbackConfidence < 0 || e.FallbackConfidence > 1 {
		return fmt.Errorf("emission.fallbackConfidence must be in [0, 1]")
	}

	// LLM
	if c.LLM.Enabled {
		if c.LLM.BaseURL == "" || c.LLM.Model == "" {
			return fmt.Errorf("llm.baseURL and llm.model must not be empty when llm is enabled")
		}
		if c.LLM.Timeout <= 0 {
			return fmt.Errorf("llm.timeout must be > 0")
		}
		if c.LLM.MaxTokens < 1 {
			return fmt.Errorf("llm.maxTokens must be >= 1")
		}
	}
	if c.LLM.RateLimitRPS < 0 || c.LLM.RateLimitBurst < 0 {
		return fmt.Errorf("llm rate limits must be >= 0")
	}

	// Journal
	if c.Journal.PatternsPerFamily < 1 {
		return fmt.Errorf("journal.patternsPerFamily must be >= 1")
	}

	// Server
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.httpAddr must not be empty")
	}
	if c.Server.MaxRequestBody < 0 {
		return fmt.Errorf("server.maxRequestBody must be >= 0 (0 = unlimited, not recommended)")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be > 0")
	}
	if c.Server.AllowedOrigins == "*" {
		slog.Warn("⚠ server.allowedOrigins is set to \"*\" (allow all); restrict for production use")
	}

	// Admin
	if c.Admin.Enabled && (c.Admin.User == "" || c.Admin.Password == "") {
		return fmt.Errorf("admin.user and admin.password must not be empty when admin is enabled")
	}

	// MCP
	mcpPath := strings.TrimSpace(c.MCP.Path)
	if mcpPath == "" {
		mcpPath = "/mcp"
	}
	if !strings.HasPrefix(mcpPath, "/") {
		return fmt.Errorf("mcp.path must start with '/'")
	}
	if len(mcpPath) > 1 {
		mcpPath = strings.TrimRight(mcpPath, "/")
	}
	c.MCP.Path = mcpPath
	if c.MCP.RateLimitRPS < 0 || c.MCP.RateLimitBurst < 0 {
		return fmt.Errorf("mcp rate limits must be >= 0")
	}

	// Daemons
	if c.Daemons.PersistInterval <= 0 || c.Daemons.ConsolidateInterval <= 0 {
		return fmt.Errorf("daemon intervals must be > 0")
	}
	if c.Daemons.IdleAfter < 0 {
		return fmt.Errorf("daemons.idleAfter must be >= 0")
	}
	if c.Daemons.PersistInterval < 5*time.Second {
		slog.Warn("⚠ daemons.persistInterval is very aggressive; this will increase disk I/O",
			"persistInterval", c.Daemons.PersistInterval)
	}

	// Log
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", level)
	}
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setEnvDuration accepts "30s", "5m", "1h30m", etc.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// setEnvCSV sets *target to a comma-separated env var list.
func setEnvCSV(key string, target *[]string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides — final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath            *string
	DataPath              *string
	Compress              *bool
	AutoSave              *bool
	HTTPAddr              *string
	IntersectionThreshold *float64
	SimilarityThreshold   *float64
	LearningRate          *float64
	MaxCycles             *int
	MinKairosCycle        *int
	LLMEnabled            *bool
	LLMBaseURL            *string
	LLMModel              *string
	LLMTimeout            *time.Duration
	JournalEnabled        *bool
	MCPEnabled            *bool
	AdminEnabled          *bool
	AdminUser             *string
	AdminPassword         *string
	LogLevel              *string
	NoColor               *bool
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields in the CLIOverrides are applied, preserving all
// values resolved from earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.Compress != nil {
		c.Storage.Compress = *o.Compress
	}
	if o.AutoSave != nil {
		c.Storage.AutoSave = *o.AutoSave
	}
	if o.HTTPAddr != nil {
		c.Server.HTTPAddr = *o.HTTPAddr
	}
	if o.IntersectionThreshold != nil {
		c.Nexus.IntersectionThreshold = *o.IntersectionThreshold
	}
	if o.SimilarityThreshold != nil {
		c.Family.SimilarityThreshold = *o.SimilarityThreshold
	}
	if o.LearningRate != nil {
		c.Coupling.LearningRate = *o.LearningRate
	}
	if o.MaxCycles != nil {
		c.Convergence.MaxCycles = *o.MaxCycles
	}
	if o.MinKairosCycle != nil {
		c.Convergence.MinKairosCycle = *o.MinKairosCycle
	}
	if o.LLMEnabled != nil {
		c.LLM.Enabled = *o.LLMEnabled
	}
	if o.LLMBaseURL != nil {
		c.LLM.BaseURL = *o.LLMBaseURL
	}
	if o.LLMModel != nil {
		c.LLM.Model = *o.LLMModel
	}
	if o.LLMTimeout != nil {
		c.LLM.Timeout = *o.LLMTimeout
	}
	if o.JournalEnabled != nil {
		c.Journal.Enabled = *o.JournalEnabled
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.AdminEnabled != nil {
		c.Admin.Enabled = *o.AdminEnabled
	}
	if o.AdminUser != nil {
		c.Admin.User = *o.AdminUser
	}
	if o.AdminPassword != nil {
		c.Admin.Password = *o.AdminPassword
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.NoColor != nil {
		c.Log.NoColor = *o.NoColor
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels the provided context to initiate graceful shutdown.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received signal, initiating shutdown", "signal", sig.String())
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the Kairos banner to stdout.
func PrintBanner() {
	banner := `
   __ __     _               
  / //_/__ _(_)______  ___   
 / ,< / _ '/ / __/ _ \(_-<   
/_/|_|\_,_/_/_/  \___/___/   

    Energy-descent response engine
    ──────────────────────────────
`
	fmt.Print(banner)
}
