package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// OrchestratorConfig captures runtime settings for the build cache service.
type OrchestratorConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	StoreDriver   string `mapstructure:"store_driver"`
	DatabaseURL   string `mapstructure:"database_url"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisURL      string `mapstructure:"redis_url"`
	StatusBaseURL string `mapstructure:"status_base_url"`
	APIKey        string `mapstructure:"api_key"`

	ArtifactServer     string `mapstructure:"artifact_server"`
	ArtifactServerDir  string `mapstructure:"artifact_server_dir"`
	ArtifactServerURL  string `mapstructure:"artifact_server_url"`
	ArtifactServerPort string `mapstructure:"artifact_server_port"`

	SSHUser     string `mapstructure:"ssh_user"`
	SSHKeyPath  string `mapstructure:"ssh_key_path"`
	SSHPassword string `mapstructure:"ssh_password"`
	SSHPort     int    `mapstructure:"ssh_port"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// LoadOrchestrator loads configuration from defaults, ./configs/config.*,
// BUILDCACHE_* env vars and, when given, command line flags.
func LoadOrchestrator(flags *pflag.FlagSet) (OrchestratorConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("BUILDCACHE")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8086")
	v.SetDefault("store_driver", "sqlite")
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "buildcache.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("status_base_url", "http://localhost:8010")
	v.SetDefault("api_key", "")
	v.SetDefault("artifact_server", "")
	v.SetDefault("artifact_server_dir", "/srv/artifacts")
	v.SetDefault("artifact_server_url", "")
	v.SetDefault("artifact_server_port", "")
	v.SetDefault("ssh_user", "buildbot")
	v.SetDefault("ssh_key_path", "")
	v.SetDefault("ssh_password", "")
	v.SetDefault("ssh_port", 22)
	v.SetDefault("retry_attempts", 5)
	v.SetDefault("retry_delay", 5*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return OrchestratorConfig{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return OrchestratorConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg OrchestratorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return OrchestratorConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
