// Package config loads and hot-mutates the learner's tunable
// hyperparameters, enumerated in spec.md §6.
package config

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every option spec.md §6 lists as recognized by the learner.
type Config struct {
	MacroBatch  int `mapstructure:"macro_batch"`
	Rollout     int `mapstructure:"rollout"`
	Recurrence  int `mapstructure:"recurrence"`
	BatchSize   int `mapstructure:"batch_size"`
	MaxPolicyLag int `mapstructure:"max_policy_lag"`

	WithVtrace        bool    `mapstructure:"with_vtrace"`
	Gamma             float64 `mapstructure:"gamma"`
	GAELambda         float64 `mapstructure:"gae_lambda"`
	NormalizeAdvantage bool   `mapstructure:"normalize_advantage"`

	PPOClipRatio    float64 `mapstructure:"ppo_clip_ratio"`
	PPOClipValue    float64 `mapstructure:"ppo_clip_value"`
	ValueLossCoeff  float64 `mapstructure:"value_loss_coeff"`
	PriorLossCoeff  float64 `mapstructure:"prior_loss_coeff"`
	InitialKLCoeff  float64 `mapstructure:"initial_kl_coeff"`
	TargetKL        float64 `mapstructure:"target_kl"`
	PPOEpochs       int     `mapstructure:"ppo_epochs"`

	LearningRate float64 `mapstructure:"learning_rate"`
	AdamBeta1    float64 `mapstructure:"adam_beta1"`
	AdamBeta2    float64 `mapstructure:"adam_beta2"`
	AdamEps      float64 `mapstructure:"adam_eps"`
	MaxGradNorm  float64 `mapstructure:"max_grad_norm"`

	InitialSaveRate int `mapstructure:"initial_save_rate"`
	KeepCheckpoints int `mapstructure:"keep_checkpoints"`

	Seed      int  `mapstructure:"seed"`
	Benchmark bool `mapstructure:"benchmark"`
	WithPBT   bool `mapstructure:"with_pbt"`
	NumWorkers int `mapstructure:"num_workers"`
}

// Defaults mirrors the defaults implied by original_source/learner.py and
// the teacher's flag defaults (ppo.go's "-lambda 0.95", "-epsilon 0.1",
// "-epochs 10", "-step 3e-4") wherever the two line up.
func Defaults() Config {
	return Config{
		MacroBatch:         2048,
		Rollout:            32,
		Recurrence:         32,
		BatchSize:          1024,
		MaxPolicyLag:       20,
		WithVtrace:         true,
		Gamma:              0.99,
		GAELambda:          0.95,
		NormalizeAdvantage: true,
		PPOClipRatio:       1.1,
		PPOClipValue:       1.0,
		ValueLossCoeff:     0.5,
		PriorLossCoeff:     0.0,
		InitialKLCoeff:     0.0001,
		TargetKL:           0.03,
		PPOEpochs:          1,
		LearningRate:       3e-4,
		AdamBeta1:          0.9,
		AdamBeta2:          0.999,
		AdamEps:            1e-6,
		MaxGradNorm:        4.0,
		InitialSaveRate:    1000,
		KeepCheckpoints:    4,
		Seed:               0,
		Benchmark:          false,
		WithPBT:            false,
		NumWorkers:         1,
	}
}

// Validate checks the divisibility preconditions spec.md §4.3 and §4.4
// require as fatal assertions rather than silent misbehavior.
func (c Config) Validate() error {
	if c.MacroBatch%c.Rollout != 0 {
		return errors.Errorf("macro_batch (%d) not divisible by rollout (%d)", c.MacroBatch, c.Rollout)
	}
	if c.Rollout%c.Recurrence != 0 {
		return errors.Errorf("rollout (%d) not divisible by recurrence (%d)", c.Rollout, c.Recurrence)
	}
	if c.MacroBatch%c.Recurrence != 0 {
		return errors.Errorf("macro_batch (%d) not divisible by recurrence (%d)", c.MacroBatch, c.Recurrence)
	}
	if c.MacroBatch%c.BatchSize != 0 {
		return errors.Errorf("macro_batch (%d) not divisible by batch_size (%d)", c.MacroBatch, c.BatchSize)
	}
	return nil
}

// Load reads a YAML config file (if path is non-empty) over the defaults
// using viper, the config-loading stack `niceyeti-tabular` uses.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "load learner config")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal learner config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("macro_batch", cfg.MacroBatch)
	v.SetDefault("rollout", cfg.Rollout)
	v.SetDefault("recurrence", cfg.Recurrence)
	v.SetDefault("batch_size", cfg.BatchSize)
	v.SetDefault("max_policy_lag", cfg.MaxPolicyLag)
	v.SetDefault("with_vtrace", cfg.WithVtrace)
	v.SetDefault("gamma", cfg.Gamma)
	v.SetDefault("gae_lambda", cfg.GAELambda)
	v.SetDefault("normalize_advantage", cfg.NormalizeAdvantage)
	v.SetDefault("ppo_clip_ratio", cfg.PPOClipRatio)
	v.SetDefault("ppo_clip_value", cfg.PPOClipValue)
	v.SetDefault("value_loss_coeff", cfg.ValueLossCoeff)
	v.SetDefault("prior_loss_coeff", cfg.PriorLossCoeff)
	v.SetDefault("initial_kl_coeff", cfg.InitialKLCoeff)
	v.SetDefault("target_kl", cfg.TargetKL)
	v.SetDefault("ppo_epochs", cfg.PPOEpochs)
	v.SetDefault("learning_rate", cfg.LearningRate)
	v.SetDefault("adam_beta1", cfg.AdamBeta1)
	v.SetDefault("adam_beta2", cfg.AdamBeta2)
	v.SetDefault("adam_eps", cfg.AdamEps)
	v.SetDefault("max_grad_norm", cfg.MaxGradNorm)
	v.SetDefault("initial_save_rate", cfg.InitialSaveRate)
	v.SetDefault("keep_checkpoints", cfg.KeepCheckpoints)
	v.SetDefault("seed", cfg.Seed)
	v.SetDefault("benchmark", cfg.Benchmark)
	v.SetDefault("with_pbt", cfg.WithPBT)
	v.SetDefault("num_workers", cfg.NumWorkers)
}

// Hot holds a Config behind a mutex so the PBT handler (internal/pbt) can
// latch mutations that the training worker applies between optimizer
// steps, never racing the training thread's reads.
type Hot struct {
	mu  sync.RWMutex
	cfg Config
}

// NewHot wraps cfg for concurrent hot-mutation.
func NewHot(cfg Config) *Hot {
	return &Hot{cfg: cfg}
}

// Get returns a copy of the current config.
func (h *Hot) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Apply overwrites recognized keys in place, mirroring learner.py's
// `_update_pbt` loop over `new_cfg.items()`.
func (h *Hot) Apply(mutations map[string]interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, value := range mutations {
		if err := applyField(&h.cfg, key, value); err != nil {
			return fmt.Errorf("apply cfg mutation %q: %w", key, err)
		}
	}
	return nil
}

func applyField(cfg *Config, key string, value interface{}) error {
	switch key {
	case "learning_rate":
		cfg.LearningRate = value.(float64)
	case "adam_beta1":
		cfg.AdamBeta1 = value.(float64)
	case "adam_beta2":
		cfg.AdamBeta2 = value.(float64)
	case "target_kl":
		cfg.TargetKL = value.(float64)
	case "ppo_clip_ratio":
		cfg.PPOClipRatio = value.(float64)
	case "ppo_clip_value":
		cfg.PPOClipValue = value.(float64)
	case "max_grad_norm":
		cfg.MaxGradNorm = value.(float64)
	default:
		return errors.Errorf("unrecognized config key")
	}
	return nil
}
