package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`

	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`

	Store struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"store"`

	Durable struct {
		Enabled   bool          `mapstructure:"enabled"`
		URL       string        `mapstructure:"url"`
		Timeout   time.Duration `mapstructure:"timeout"`
		HandleTTL time.Duration `mapstructure:"handle_ttl"`
	} `mapstructure:"durable"`

	Integrations struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"integrations"`

	Auth struct {
		Issuer        string `mapstructure:"issuer"`
		ClientID      string `mapstructure:"client_id"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`

	Collab struct {
		MaxChangeLog int64 `mapstructure:"max_change_log"`
	} `mapstructure:"collab"`

	Engine struct {
		MaxLoopIterations int `mapstructure:"max_loop_iterations"`
	} `mapstructure:"engine"`
}

// LoadConfig loads the configuration from a file and the environment. An
// optional .env file can be supplied via the -env flag on the binary.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// a missing config file is fine when env vars carry the settings
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "dev")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("store.cache_ttl", 30*time.Second)
	viper.SetDefault("durable.enabled", false)
	viper.SetDefault("durable.timeout", 5*time.Second)
	viper.SetDefault("durable.handle_ttl", 24*time.Hour)
	viper.SetDefault("integrations.timeout", 30*time.Second)
	viper.SetDefault("collab.max_change_log", 1000)
	viper.SetDefault("engine.max_loop_iterations", 25)
}

// normalizeIssuer ensures the provided issuer string is in a predictable
// form. It removes any trailing slash and leaves the scheme and path intact,
// so users can paste the full URL from their identity provider's console.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
