// Package config loads server settings from flags, environment, an optional
// YAML file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "OPUSMT"
	ConfigFileName = ".opus-mt-server"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	ModelsDir string

	EngineURL     string
	EngineTimeout time.Duration

	MaxTextLength int
	MaxBatchSize  int

	DownloadBaseURL     string
	DownloadTimeout     time.Duration
	DownloadConcurrency int
	S3                  S3

	CatalogPath string

	LogLevel  string
	LogFormat string

	TracingEnabled  bool
	TracingEndpoint string

	ShutdownTimeout time.Duration
	CORSAllowOrigin string
	ActivitySize    int
}

// S3 configures the optional S3 mirror used instead of the HTTP source.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func (s S3) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

// New returns a viper instance carrying the defaults.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("http.addr", ":5000")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("models.dir", "data")
	v.SetDefault("engine.url", "http://127.0.0.1:8081")
	v.SetDefault("engine.timeout", 60*time.Second)
	v.SetDefault("limits.max_text_length", 5000)
	v.SetDefault("limits.max_batch_size", 100)
	v.SetDefault("download.base_url", "https://s3.amazonaws.com/models.huggingface.co/bert/Helsinki-NLP")
	v.SetDefault("download.timeout", 5*time.Minute)
	v.SetDefault("download.concurrency", 3)
	v.SetDefault("download.s3.endpoint", "")
	v.SetDefault("download.s3.access_key", "")
	v.SetDefault("download.s3.secret_key", "")
	v.SetDefault("download.s3.bucket", "")
	v.SetDefault("download.s3.prefix", "")
	v.SetDefault("download.s3.use_ssl", true)
	v.SetDefault("catalog.path", "data/catalog.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("cors.allow_origin", "*")
	v.SetDefault("activity.size", 300)
	return v
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"http-addr":  "http.addr",
	"grpc-addr":  "grpc.addr",
	"models-dir": "models.dir",
	"engine-url": "engine.url",
	"log-level":  "log.level",
	"log-format": "log.format",
}

// RegisterFlags adds the common flags to flags and binds them to v.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("http-addr", v.GetString("http.addr"), "HTTP listen address")
	flags.String("grpc-addr", v.GetString("grpc.addr"), "gRPC control plane listen address (empty disables)")
	flags.String("models-dir", v.GetString("models.dir"), "directory holding opus-mt-<src>-<tgt> model folders")
	flags.String("engine-url", v.GetString("engine.url"), "base URL of the inference sidecar")
	flags.String("log-level", v.GetString("log.level"), "log level (debug, info, warn, error)")
	flags.String("log-format", v.GetString("log.format"), "log format (console or json)")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads .env, the config file and the environment into a Config. An
// explicit cfgFile must exist; the default search path may be empty.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(ConfigFileName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr:            v.GetString("http.addr"),
		GRPCAddr:            v.GetString("grpc.addr"),
		ModelsDir:           v.GetString("models.dir"),
		EngineURL:           v.GetString("engine.url"),
		EngineTimeout:       v.GetDuration("engine.timeout"),
		MaxTextLength:       v.GetInt("limits.max_text_length"),
		MaxBatchSize:        v.GetInt("limits.max_batch_size"),
		DownloadBaseURL:     v.GetString("download.base_url"),
		DownloadTimeout:     v.GetDuration("download.timeout"),
		DownloadConcurrency: v.GetInt("download.concurrency"),
		S3: S3{
			Endpoint:  v.GetString("download.s3.endpoint"),
			AccessKey: v.GetString("download.s3.access_key"),
			SecretKey: v.GetString("download.s3.secret_key"),
			Bucket:    v.GetString("download.s3.bucket"),
			Prefix:    v.GetString("download.s3.prefix"),
			UseSSL:    v.GetBool("download.s3.use_ssl"),
		},
		CatalogPath:     v.GetString("catalog.path"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		TracingEnabled:  v.GetBool("tracing.enabled"),
		TracingEndpoint: v.GetString("tracing.endpoint"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		CORSAllowOrigin: v.GetString("cors.allow_origin"),
		ActivitySize:    v.GetInt("activity.size"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelsDir) == "" {
		return errors.New("models.dir is required")
	}
	if c.HTTPAddr == "" {
		return errors.New("http.addr is required")
	}
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("limits.max_text_length must be positive, got %d", c.MaxTextLength)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("limits.max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return errors.New("tracing.endpoint is required when tracing.enabled is true")
	}
	return nil
}
