package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// #region config-struct

// Config is the full recognized-option surface of the engine.
type Config struct {
	Signal  SignalConfig  `mapstructure:"signal"`
	Adapter AdapterConfig `mapstructure:"adapter"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Model   ModelConfig   `mapstructure:"model"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SignalConfig controls the stability signal computation.
type SignalConfig struct {
	// ShortWindowSize is the capacity of the short divergence window.
	ShortWindowSize int `mapstructure:"short_window_size"`
	// LongWindowSize is the capacity of the long divergence window.
	LongWindowSize int `mapstructure:"long_window_size"`
	// KLDThreshold marks a single-token divergence as a disagreement for diagnostics.
	KLDThreshold float64 `mapstructure:"kld_threshold"`
	// KLDWeightShort, KLDWeightLong and EntropyWeight combine the three
	// score components. Renormalized at load; equal by default.
	KLDWeightShort float64 `mapstructure:"kld_weight_short"`
	KLDWeightLong  float64 `mapstructure:"kld_weight_long"`
	EntropyWeight  float64 `mapstructure:"entropy_weight"`
}

// AdapterConfig controls speculation length adaptation.
type AdapterConfig struct {
	SLMin     int `mapstructure:"sl_min"`
	SLMax     int `mapstructure:"sl_max"`
	DefaultSL int `mapstructure:"default_sl"`
	// AdaptStep is added to the previous SL when stability is high.
	AdaptStep int `mapstructure:"adapt_step"`
	// StabilityThresholdHigh/Low bound the raise/lower policy bands.
	StabilityThresholdHigh float64 `mapstructure:"stability_threshold_high"`
	StabilityThresholdLow  float64 `mapstructure:"stability_threshold_low"`
	// SmoothingFactor is the EMA weight on the raw policy output.
	SmoothingFactor float64 `mapstructure:"smoothing_factor"`
	// TaskMultipliers scales the effective SL ceiling per task type.
	TaskMultipliers map[string]float64 `mapstructure:"task_multipliers"`
}

// BatchConfig controls per-round batch optimization.
type BatchConfig struct {
	// RoundBudget is the compute budget: the sum of capped speculation
	// lengths across the batch may not exceed it.
	RoundBudget int `mapstructure:"round_budget"`
}

// EngineConfig controls the round loop.
type EngineConfig struct {
	// MaxNewTokens is the per-sequence token budget.
	MaxNewTokens int `mapstructure:"max_new_tokens"`
	// MaxAttempts bounds draft/verify retries before a sequence fails.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBaseMs is the initial backoff delay; doubles per attempt.
	RetryBaseMs int `mapstructure:"retry_base_ms"`
	// Seed drives the rejection-sampling RNG. Fixed seed = replayable run.
	Seed int64 `mapstructure:"seed"`
}

// ModelConfig locates the draft/target collaborator service.
type ModelConfig struct {
	Addr      string `mapstructure:"addr"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// MetricsConfig controls performance snapshots.
type MetricsConfig struct {
	// SnapshotWindow is the trailing round count aggregated per snapshot.
	SnapshotWindow int    `mapstructure:"snapshot_window"`
	DBPath         string `mapstructure:"db_path"`
}

// #endregion config-struct

// #region defaults

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Signal: SignalConfig{
			ShortWindowSize: 4,
			LongWindowSize:  12,
			KLDThreshold:    0.1,
			KLDWeightShort:  1.0 / 3.0,
			KLDWeightLong:   1.0 / 3.0,
			EntropyWeight:   1.0 / 3.0,
		},
		Adapter: AdapterConfig{
			SLMin:                  1,
			SLMax:                  8,
			DefaultSL:              4,
			AdaptStep:              1,
			StabilityThresholdHigh: 0.7,
			StabilityThresholdLow:  0.3,
			SmoothingFactor:        0.6,
			TaskMultipliers: map[string]float64{
				"code":     1.25,
				"chat":     1.0,
				"creative": 0.75,
			},
		},
		Batch: BatchConfig{
			RoundBudget: 32,
		},
		Engine: EngineConfig{
			MaxNewTokens: 256,
			MaxAttempts:  3,
			RetryBaseMs:  50,
			Seed:         1,
		},
		Model: ModelConfig{
			Addr:      "localhost:50051",
			TimeoutMs: 30000,
		},
		Metrics: MetricsConfig{
			SnapshotWindow: 64,
			DBPath:         "dsde_metrics.db",
		},
	}
}

// #endregion defaults

// #region load

// Load reads configuration from an optional YAML file, with DSDE_* environment
// overrides layered on top of defaults. Empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("DSDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	normalizeWeights(&cfg.Signal)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("signal.short_window_size", d.Signal.ShortWindowSize)
	v.SetDefault("signal.long_window_size", d.Signal.LongWindowSize)
	v.SetDefault("signal.kld_threshold", d.Signal.KLDThreshold)
	v.SetDefault("signal.kld_weight_short", d.Signal.KLDWeightShort)
	v.SetDefault("signal.kld_weight_long", d.Signal.KLDWeightLong)
	v.SetDefault("signal.entropy_weight", d.Signal.EntropyWeight)

	v.SetDefault("adapter.sl_min", d.Adapter.SLMin)
	v.SetDefault("adapter.sl_max", d.Adapter.SLMax)
	v.SetDefault("adapter.default_sl", d.Adapter.DefaultSL)
	v.SetDefault("adapter.adapt_step", d.Adapter.AdaptStep)
	v.SetDefault("adapter.stability_threshold_high", d.Adapter.StabilityThresholdHigh)
	v.SetDefault("adapter.stability_threshold_low", d.Adapter.StabilityThresholdLow)
	v.SetDefault("adapter.smoothing_factor", d.Adapter.SmoothingFactor)
	v.SetDefault("adapter.task_multipliers", d.Adapter.TaskMultipliers)

	v.SetDefault("batch.round_budget", d.Batch.RoundBudget)

	v.SetDefault("engine.max_new_tokens", d.Engine.MaxNewTokens)
	v.SetDefault("engine.max_attempts", d.Engine.MaxAttempts)
	v.SetDefault("engine.retry_base_ms", d.Engine.RetryBaseMs)
	v.SetDefault("engine.seed", d.Engine.Seed)

	v.SetDefault("model.addr", d.Model.Addr)
	v.SetDefault("model.timeout_ms", d.Model.TimeoutMs)

	v.SetDefault("metrics.snapshot_window", d.Metrics.SnapshotWindow)
	v.SetDefault("metrics.db_path", d.Metrics.DBPath)
}

// normalizeWeights rescales the three score weights to sum to 1.
func normalizeWeights(s *SignalConfig) {
	sum := s.KLDWeightShort + s.KLDWeightLong + s.EntropyWeight
	if sum <= 0 {
		return // caught by Validate
	}
	s.KLDWeightShort /= sum
	s.KLDWeightLong /= sum
	s.EntropyWeight /= sum
}

// #endregion load

// #region validate

// Validate rejects configurations the engine cannot run under.
// A validation error is fatal at startup; nothing else is.
func (c Config) Validate() error {
	if c.Signal.ShortWindowSize < 2 {
		return fmt.Errorf("short_window_size must be >= 2, got %d", c.Signal.ShortWindowSize)
	}
	if c.Signal.LongWindowSize < c.Signal.ShortWindowSize {
		return fmt.Errorf("long_window_size %d must be >= short_window_size %d",
			c.Signal.LongWindowSize, c.Signal.ShortWindowSize)
	}
	if c.Signal.KLDWeightShort < 0 || c.Signal.KLDWeightLong < 0 || c.Signal.EntropyWeight < 0 {
		return fmt.Errorf("signal weights must be non-negative")
	}
	if c.Signal.KLDWeightShort+c.Signal.KLDWeightLong+c.Signal.EntropyWeight <= 0 {
		return fmt.Errorf("signal weights must not all be zero")
	}
	if c.Adapter.SLMin < 1 {
		return fmt.Errorf("sl_min must be >= 1, got %d", c.Adapter.SLMin)
	}
	if c.Adapter.SLMin > c.Adapter.SLMax {
		return fmt.Errorf("sl_min %d exceeds sl_max %d", c.Adapter.SLMin, c.Adapter.SLMax)
	}
	if c.Adapter.DefaultSL < c.Adapter.SLMin || c.Adapter.DefaultSL > c.Adapter.SLMax {
		return fmt.Errorf("default_sl %d outside [%d, %d]",
			c.Adapter.DefaultSL, c.Adapter.SLMin, c.Adapter.SLMax)
	}
	if c.Adapter.AdaptStep < 1 {
		return fmt.Errorf("adapt_step must be >= 1, got %d", c.Adapter.AdaptStep)
	}
	if c.Adapter.SmoothingFactor <= 0 || c.Adapter.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing_factor must be in (0, 1], got %g", c.Adapter.SmoothingFactor)
	}
	if c.Adapter.StabilityThresholdLow >= c.Adapter.StabilityThresholdHigh {
		return fmt.Errorf("stability_threshold_low %g must be below stability_threshold_high %g",
			c.Adapter.StabilityThresholdLow, c.Adapter.StabilityThresholdHigh)
	}
	for task, m := range c.Adapter.TaskMultipliers {
		if m <= 0 {
			return fmt.Errorf("task multiplier for %q must be positive, got %g", task, m)
		}
	}
	if c.Batch.RoundBudget < c.Adapter.SLMin {
		return fmt.Errorf("round_budget %d below sl_min %d", c.Batch.RoundBudget, c.Adapter.SLMin)
	}
	if c.Engine.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be >= 1, got %d", c.Engine.MaxNewTokens)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Metrics.SnapshotWindow < 1 {
		return fmt.Errorf("snapshot_window must be >= 1, got %d", c.Metrics.SnapshotWindow)
	}
	return nil
}

// #endregion validate
