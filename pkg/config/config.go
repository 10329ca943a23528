package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// Config is the process-wide configuration of the collector host.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server" comment:"HTTP server for /metrics and /health"`
	Collection CollectionConfig `yaml:"collection" mapstructure:"collection" comment:"shared collection engine settings"`
	Sink       SinkConfig       `yaml:"sink" mapstructure:"sink" comment:"metric sink"`
	Log        ZapLogConfig     `yaml:"log" mapstructure:"log" comment:"logging"`
}

// ServerConfig HTTP server settings. Durations accept "30s" style values.
type ServerConfig struct {
	Enable       bool          `yaml:"enable" mapstructure:"enable" env:"HTTP_ENABLE"`
	Addr         string        `yaml:"addr" mapstructure:"addr" env:"HTTP_ADDR" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" env:"HTTP_READ_TIMEOUT" validate:"required,gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" env:"HTTP_WRITE_TIMEOUT" validate:"required,gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" validate:"required,gt=0"`
}

// CollectionConfig holds the engine-wide knobs shared by every job on this host.
type CollectionConfig struct {
	TickPoolSize    int           `yaml:"tick_pool_size" mapstructure:"tick_pool_size" env:"COLLECTION_TICK_POOL_SIZE" validate:"gt=0"`
	FetchPoolSize   int           `yaml:"fetch_pool_size" mapstructure:"fetch_pool_size" env:"COLLECTION_FETCH_POOL_SIZE" validate:"gt=0"`
	Retries         int           `yaml:"retries" mapstructure:"retries" env:"COLLECTION_RETRIES" validate:"gt=0,lte=10"`
	RetrySleep      time.Duration `yaml:"retry_sleep" mapstructure:"retry_sleep" env:"COLLECTION_RETRY_SLEEP" validate:"gte=0"`
	SaveRetrySleep  time.Duration `yaml:"save_retry_sleep" mapstructure:"save_retry_sleep" env:"COLLECTION_SAVE_RETRY_SLEEP" validate:"gte=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" env:"COLLECTION_FETCH_TIMEOUT" validate:"gt=0"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" mapstructure:"http_timeout" env:"COLLECTION_HTTP_TIMEOUT" validate:"gt=0"`
	RequestsPerSec  float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" env:"COLLECTION_RPS" validate:"gte=0"`
	ArtifactTTL     time.Duration `yaml:"artifact_ttl" mapstructure:"artifact_ttl" env:"COLLECTION_ARTIFACT_TTL" validate:"gt=0"`
	DisableAuditLog bool          `yaml:"disable_audit_log" mapstructure:"disable_audit_log" env:"COLLECTION_DISABLE_AUDIT_LOG"`
}

// SinkConfig selects where collected records go.
type SinkConfig struct {
	Type   string `yaml:"type" mapstructure:"type" env:"SINK_TYPE" validate:"required,oneof=sqlite log"`
	DBPath string `yaml:"db_path" mapstructure:"db_path" env:"SINK_DB_PATH"`
}

// ZapLogConfig logging settings.
type ZapLogConfig struct {
	Level     string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format    string `yaml:"format" mapstructure:"format" env:"LOG_FORMAT" validate:"required,oneof=json console"`
	Path      string `yaml:"path" mapstructure:"path" env:"LOG_PATH" validate:"required"`
	MaxSize   int    `yaml:"max_size" mapstructure:"max_size" env:"LOG_MAX_SIZE" validate:"required,gt=0"`
	MaxBackup int    `yaml:"max_backup" mapstructure:"max_backup" env:"LOG_MAX_BACKUP" validate:"gte=0"`
	MaxAge    int    `yaml:"max_age" mapstructure:"max_age" env:"LOG_MAX_AGE" validate:"required,gte=0"`
	Compress  bool   `yaml:"compress" mapstructure:"compress" env:"LOG_COMPRESS"`
}

// NewDefaultConfig returns a fully populated configuration so that every field has a sane fallback.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enable:       true,
			Addr:         "0.0.0.0:9091",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Collection: CollectionConfig{
			TickPoolSize:   defaultPoolSize(2),
			FetchPoolSize:  defaultPoolSize(8),
			Retries:        3,
			RetrySleep:     10 * time.Second,
			SaveRetrySleep: 5 * time.Second,
			FetchTimeout:   3 * time.Minute,
			HTTPTimeout:    60 * time.Second,
			ArtifactTTL:    10 * time.Minute,
		},
		Sink: SinkConfig{
			Type:   "sqlite",
			DBPath: "./data/records.db",
		},
		Log: ZapLogConfig{
			Level:     "info",
			Format:    "json",
			Path:      "./logs",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// defaultPoolSize scales a per-CPU factor by the number of logical CPUs.
func defaultPoolSize(perCPU int) int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = 1
	}
	return n * perCPU
}

// LoadConfigWithCli merges flags, an optional YAML file and environment variables (in that order of
// precedence: flag > env > file > default) into a validated Config.
func LoadConfigWithCli(cmd *cobra.Command) (*Config, error) {
	cfg := NewDefaultConfig()
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// LOG_LEVEL -> log.level
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := Decode(v.AllSettings(), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Decode maps viper settings onto out, understanding durations and comma separated slices.
func Decode(settings map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate runs tag validation and then the per-section business rules.
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Collection.Validate(); err != nil {
		return err
	}
	if err := c.Sink.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}
