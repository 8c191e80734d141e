package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	LocalPort int    `mapstructure:"local_port"`
	Secret    string `mapstructure:"secret"`

	ServerURL string `mapstructure:"server_url"`
	BusURL    string `mapstructure:"bus_url"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	SubscribeWait time.Duration `mapstructure:"subscribe_wait"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("local_port", 8090)
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("bus_url", "ws://localhost:8080/api/ws/bus")
	v.SetDefault("settle_delay", "250ms")
	v.SetDefault("reconnect_base", "2s")
	v.SetDefault("max_reconnects", 5)
	v.SetDefault("subscribe_wait", "10s")
	v.SetDefault("call_timeout", "60s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Local: %d | Server: %s\n", cfg.Mode, cfg.LocalPort, cfg.ServerURL)
	return &cfg, nil
}
