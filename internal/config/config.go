package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Dispatcher  Dispatcher        `mapstructure:"dispatcher"`
	Worker      Worker            `mapstructure:"worker"`
	Accounts    []Account         `mapstructure:"accounts"`
	Development DevelopmentConfig `mapstructure:"development"`
}

// Dispatcher configures the two-port dispatch daemon.
type Dispatcher struct {
	BindAddress string        `mapstructure:"bind_address"`
	APIPort     int           `mapstructure:"api_port"`
	WorkerPort  int           `mapstructure:"worker_port"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	Accounts    []Account     `mapstructure:"-"`
}

// Worker configures one upstream session daemon.
type Worker struct {
	ServerAddress      string `mapstructure:"server_address"`
	ServerPort         int    `mapstructure:"server_port"`
	LeagueVersion      string `mapstructure:"league_version"`
	LoginServerAddress string `mapstructure:"login_server_address"`
	GameServerAddress  string `mapstructure:"game_server_address"`
	GameServerPort     int    `mapstructure:"game_server_port"`
	Locale             string `mapstructure:"locale"`
	Region             string `mapstructure:"region"`
}

type Account struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type DevelopmentConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Enable environment variables
	viper.SetEnvPrefix("TEEMO")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	viper.SetDefault("dispatcher.bind_address", "0.0.0.0")
	viper.SetDefault("dispatcher.api_port", 9876)
	viper.SetDefault("dispatcher.worker_port", 1331)
	viper.SetDefault("dispatcher.task_timeout", "1500ms")
	viper.SetDefault("worker.server_address", "127.0.0.1")
	viper.SetDefault("worker.server_port", 1331)
	viper.SetDefault("worker.login_server_address", "lq.na2.lol.riotgames.com")
	viper.SetDefault("worker.game_server_address", "prod.na2.lol.riotgames.com")
	viper.SetDefault("worker.game_server_port", 2099)
	viper.SetDefault("worker.locale", "en_US")
	viper.SetDefault("worker.region", "NA")
	viper.SetDefault("development.debug", false)
	viper.SetDefault("development.log_level", "info")

	// Read config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return loadDefaults(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Dispatcher.Accounts = cfg.Accounts

	return &cfg, nil
}

// SaveLeagueVersion rewrites the stored client version in place. The worker
// calls this when the login server rejects the configured version and names
// the one it expects, so the next launch connects with the right build.
func SaveLeagueVersion(version string) error {
	viper.Set("worker.league_version", version)
	if err := viper.WriteConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return viper.WriteConfigAs("config.yaml")
		}
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func loadDefaults() *Config {
	return &Config{
		Dispatcher: Dispatcher{
			BindAddress: "0.0.0.0",
			APIPort:     9876,
			WorkerPort:  1331,
			TaskTimeout: 1500 * time.Millisecond,
		},
		Worker: Worker{
			ServerAddress:      "127.0.0.1",
			ServerPort:         1331,
			LoginServerAddress: "lq.na2.lol.riotgames.com",
			GameServerAddress:  "prod.na2.lol.riotgames.com",
			GameServerPort:     2099,
			Locale:             "en_US",
			Region:             "NA",
		},
		Development: DevelopmentConfig{
			Debug:    false,
			LogLevel: "info",
		},
	}
}
