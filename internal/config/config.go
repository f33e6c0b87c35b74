package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration, read from an optional YAML file
// with DEPLOYD_* environment overrides.
type Config struct {
	Env string `mapstructure:"env"`

	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`

	Recipes struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"recipes"`

	Inbox struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"inbox"`

	Artifacts struct {
		Dir      string `mapstructure:"dir"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	} `mapstructure:"artifacts"`

	GitOps struct {
		URL      string        `mapstructure:"url"`
		Branch   string        `mapstructure:"branch"`
		Token    string        `mapstructure:"token"`
		Dir      string        `mapstructure:"dir"`
		Path     string        `mapstructure:"path"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"gitops"`

	Deployment struct {
		PollInterval          time.Duration `mapstructure:"pollInterval"`
		ComponentTimeout      time.Duration `mapstructure:"componentTimeout"`
		FailFastOnConfigError bool          `mapstructure:"failFastOnConfigError"`
		ShutdownGrace         time.Duration `mapstructure:"shutdownGrace"`
	} `mapstructure:"deployment"`

	Telemetry struct {
		Exporter string `mapstructure:"exporter"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"telemetry"`

	Log struct {
		File string `mapstructure:"file"`
	} `mapstructure:"log"`
}

// Load reads the configuration. path may be empty, in which case only
// the search paths and environment are consulted; a missing file is
// fine, defaults cover everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPLOYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("server.port", 9200)
	v.SetDefault("nats.url", "")
	v.SetDefault("store.path", "deployd.db")
	v.SetDefault("recipes.dir", "recipes")
	v.SetDefault("inbox.dir", "")
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("gitops.url", "")
	v.SetDefault("gitops.branch", "main")
	v.SetDefault("gitops.dir", "gitops")
	v.SetDefault("gitops.interval", 30*time.Second)
	v.SetDefault("deployment.pollInterval", 2*time.Second)
	v.SetDefault("deployment.componentTimeout", 2*time.Minute)
	v.SetDefault("deployment.failFastOnConfigError", false)
	v.SetDefault("deployment.shutdownGrace", 10*time.Second)
	v.SetDefault("telemetry.exporter", "none")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deployd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/deployd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
