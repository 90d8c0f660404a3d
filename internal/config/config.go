// Package config loads the trader's settings from defaults, an optional
// file and TRADER_* environment variables, then validates them.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/atlas-desktop/fx-trader/internal/events"
	"github.com/atlas-desktop/fx-trader/internal/execution"
	"github.com/atlas-desktop/fx-trader/internal/learning"
	"github.com/atlas-desktop/fx-trader/internal/market"
	"github.com/atlas-desktop/fx-trader/internal/montecarlo"
	"github.com/atlas-desktop/fx-trader/internal/orchestrator"
	"github.com/atlas-desktop/fx-trader/internal/regime"
	"github.com/atlas-desktop/fx-trader/internal/security"
	"github.com/atlas-desktop/fx-trader/internal/signals"
	"github.com/atlas-desktop/fx-trader/internal/sizing"
	"github.com/atlas-desktop/fx-trader/internal/strategy"
	"github.com/atlas-desktop/fx-trader/internal/workers"
	"github.com/atlas-desktop/fx-trader/pkg/types"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TRADER_APP_SYMBOL.
const EnvPrefix = "TRADER"

// RiskConfig seeds the shared risk state.
type RiskConfig struct {
	MaxRiskPerTrade float64           `json:"maxRiskPerTrade" validate:"gt=0,lte=1"`
	Limits          sizing.RiskLimits `json:"limits"`
}

// Config is the full process configuration.
type Config struct {
	App          types.AppConfig          `json:"app"`
	Window       market.WindowConfig      `json:"window"`
	Aggregator   signals.AggregatorConfig `json:"aggregator"`
	Strategies   strategy.OptimizerConfig `json:"strategies"`
	MonteCarlo   montecarlo.Config        `json:"monteCarlo"`
	Sizing       sizing.SizingConfig      `json:"sizing"`
	Risk         RiskConfig               `json:"risk"`
	Regime       regime.GateConfig        `json:"regime"`
	Supervisor   regime.SupervisorConfig  `json:"supervisor"`
	Security     security.GateConfig      `json:"security"`
	Executor     execution.ExecutorConfig `json:"executor"`
	Paper        execution.PaperConfig    `json:"paper"`
	Feedback     learning.MonitorConfig   `json:"feedback"`
	Orchestrator orchestrator.Config      `json:"orchestrator"`
	Workers      workers.PoolConfig       `json:"workers"`
	Events       events.EventBusConfig    `json:"events"`
}

// Default returns every component's defaults.
func Default() (Config, error) {
	cfg := Config{
		Window:       market.DefaultWindowConfig(),
		Aggregator:   signals.DefaultAggregatorConfig(),
		Strategies:   strategy.DefaultOptimizerConfig(),
		MonteCarlo:   montecarlo.DefaultConfig(),
		Sizing:       sizing.DefaultSizingConfig(),
		Risk:         RiskConfig{MaxRiskPerTrade: 0.02, Limits: sizing.DefaultRiskLimits()},
		Regime:       regime.DefaultGateConfig(),
		Supervisor:   regime.DefaultSupervisorConfig(),
		Security:     security.DefaultGateConfig(),
		Executor:     execution.DefaultExecutorConfig(),
		Paper:        execution.DefaultPaperConfig(),
		Feedback:     learning.DefaultMonitorConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Workers:      workers.DefaultPoolConfig("backtest"),
		Events:       events.DefaultEventBusConfig(),
	}
	if err := defaults.Set(&cfg.App); err != nil {
		return Config{}, types.NewFatalInitError("failed to apply defaults", err)
	}
	cfg.derive()
	return cfg, nil
}

// Load reads path (optional; YAML, JSON or TOML by extension), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := registerDefaults(v, cfg); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, types.NewFatalInitError("failed to read config "+path, err)
		}
	}

	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return Config{}, types.NewFatalInitError("failed to decode config", err)
	}
	cfg.derive()

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// derive fills settings that follow from the app section.
func (c *Config) derive() {
	c.Paper.InitialBalance = c.App.InitialCash
	c.Feedback.InitialEquity = c.App.InitialCash
	if c.Feedback.ReportDir == "" {
		c.Feedback.ReportDir = c.App.ReportDir
	}
}

// registerDefaults flattens cfg into dotted keys so every field can be
// overridden from the environment.
func registerDefaults(v *viper.Viper, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return types.NewFatalInitError("failed to encode defaults", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return types.NewFatalInitError("failed to encode defaults", err)
	}
	flatten(v, "", tree)
	return nil
}

func flatten(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	vd := validator.New()
	vd.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return vd
}

// Validate checks every section and reports all failures at once.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewFatalInitError("invalid config", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, errorMessage(fe))
	}
	return types.NewFatalInitError("invalid config: "+strings.Join(msgs, "; "), nil)
}

func errorMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be below %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
