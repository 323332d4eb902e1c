// Package config loads service configuration from config.yaml and FISCAL_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/facturaIA/invoice-pipeline/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	AI        AIConfig        `yaml:"ai" mapstructure:"ai"`
	Blacklist BlacklistConfig `yaml:"blacklist" mapstructure:"blacklist"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Credits   CreditsConfig   `yaml:"credits" mapstructure:"credits"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string `yaml:"host" mapstructure:"host"`
	Port        int    `yaml:"port" mapstructure:"port"`
	MaxUploadMB int64  `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// DatabaseConfig selects the record store. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	URL        string `yaml:"url" mapstructure:"url"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns   int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns   int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig configures the MinIO archive of raw uploads.
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// AuthConfig holds the HS256 secret for tenant tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// AIConfig configures both cloud tiers.
type AIConfig struct {
	OpenAI               OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Gemini               GeminiConfig      `yaml:"gemini" mapstructure:"gemini"`
	CostEffectiveTimeout time.Duration     `yaml:"cost_effective_timeout" mapstructure:"cost_effective_timeout"`
	AgenticTimeout       time.Duration     `yaml:"agentic_timeout" mapstructure:"agentic_timeout"`
	Retry                resilience.Policy `yaml:"retry" mapstructure:"retry"`
}

// OpenAIConfig backs CLOUD_COST_EFFECTIVE. BaseURL may point at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig backs CLOUD_AGENTIC.
type GeminiConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Model  string `yaml:"model" mapstructure:"model"`
}

// BlacklistConfig configures the 69-B lookup service.
type BlacklistConfig struct {
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string        `yaml:"api_key" mapstructure:"api_key"`
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RecheckAfter  time.Duration `yaml:"recheck_after" mapstructure:"recheck_after"`
}

// PipelineConfig holds the approval and anomaly policy.
type PipelineConfig struct {
	ApprovalThreshold      float64       `yaml:"approval_threshold" mapstructure:"approval_threshold"`
	RejectFloor            float64       `yaml:"reject_floor" mapstructure:"reject_floor"`
	XMLEscalationThreshold float64       `yaml:"xml_escalation_threshold" mapstructure:"xml_escalation_threshold"`
	PDFEscalationThreshold float64       `yaml:"pdf_escalation_threshold" mapstructure:"pdf_escalation_threshold"`
	AmountTolerance        float64       `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	HardAmountTolerance    float64       `yaml:"hard_amount_tolerance" mapstructure:"hard_amount_tolerance"`
	TaxRateTolerance       float64       `yaml:"tax_rate_tolerance" mapstructure:"tax_rate_tolerance"`
	RetentionDays          int           `yaml:"retention_days" mapstructure:"retention_days"`
	FutureSkew             time.Duration `yaml:"future_skew" mapstructure:"future_skew"`
	OutlierFactor          float64       `yaml:"outlier_factor" mapstructure:"outlier_factor"`
	OutlierMinHistory      int64         `yaml:"outlier_min_history" mapstructure:"outlier_min_history"`
}

// CreditsConfig prices each tier in credits.
type CreditsConfig struct {
	XMLLocal           float64 `yaml:"xml_local" mapstructure:"xml_local"`
	PDFRegex           float64 `yaml:"pdf_regex" mapstructure:"pdf_regex"`
	CloudCostEffective float64 `yaml:"cloud_cost_effective" mapstructure:"cloud_cost_effective"`
	CloudAgentic       float64 `yaml:"cloud_agentic" mapstructure:"cloud_agentic"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("FISCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sqlite_path", "fiscal.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("storage.bucket", "invoices")
	v.SetDefault("ai.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.gemini.model", "gemini-1.5-pro")
	v.SetDefault("ai.cost_effective_timeout", 5*time.Second)
	v.SetDefault("ai.agentic_timeout", 30*time.Second)
	v.SetDefault("ai.retry.max_attempts", 3)
	v.SetDefault("ai.retry.initial_backoff", 250*time.Millisecond)
	v.SetDefault("ai.retry.max_backoff", 5*time.Second)
	v.SetDefault("ai.retry.multiplier", 2.0)
	v.SetDefault("ai.retry.jitter_fraction", 0.2)
	v.SetDefault("blacklist.rate_per_second", 5.0)
	v.SetDefault("blacklist.burst", 5)
	v.SetDefault("blacklist.timeout", 3*time.Second)
	v.SetDefault("blacklist.recheck_after", 24*time.Hour)
	v.SetDefault("pipeline.approval_threshold", 0.9)
	v.SetDefault("pipeline.reject_floor", 0.3)
	v.SetDefault("pipeline.xml_escalation_threshold", 0.9)
	v.SetDefault("pipeline.pdf_escalation_threshold", 0.75)
	v.SetDefault("pipeline.amount_tolerance", 0.005)
	v.SetDefault("pipeline.hard_amount_tolerance", 1.0)
	v.SetDefault("pipeline.tax_rate_tolerance", 0.05)
	v.SetDefault("pipeline.retention_days", 1825)
	v.SetDefault("pipeline.future_skew", 10*time.Minute)
	v.SetDefault("pipeline.outlier_factor", 10.0)
	v.SetDefault("pipeline.outlier_min_history", 3)
	v.SetDefault("credits.xml_local", 0.0)
	v.SetDefault("credits.pdf_regex", 0.0)
	v.SetDefault("credits.cloud_cost_effective", 1.0)
	v.SetDefault("credits.cloud_agentic", 5.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects threshold combinations the approval machine cannot use.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ApprovalThreshold <= 0 || p.ApprovalThreshold > 1 {
		return eris.Errorf("config: pipeline.approval_threshold %v out of (0,1]", p.ApprovalThreshold)
	}
	if p.RejectFloor < 0 || p.RejectFloor >= p.ApprovalThreshold {
		return eris.Errorf("config: pipeline.reject_floor %v must be below approval_threshold %v", p.RejectFloor, p.ApprovalThreshold)
	}
	for name, v := range map[string]float64{
		"xml_escalation_threshold": p.XMLEscalationThreshold,
		"pdf_escalation_threshold": p.PDFEscalationThreshold,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("config: pipeline.%s %v out of [0,1]", name, v)
		}
	}
	if p.HardAmountTolerance < p.AmountTolerance {
		return eris.New("config: pipeline.hard_amount_tolerance must not be below amount_tolerance")
	}
	if c.AI.CostEffectiveTimeout <= 0 || c.AI.AgenticTimeout <= 0 {
		return eris.New("config: ai timeouts must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
