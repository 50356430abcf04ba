package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Server configures the store relay binary.
type Server struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

// Client configures the veilcall CLI.
type Client struct {
	StoreURL    string   `mapstructure:"store_url"`
	DisplayName string   `mapstructure:"display_name"`
	STUNServers []string `mapstructure:"stun_servers"`
	TURNServers []string `mapstructure:"turn_servers"`
	TURNUser    string   `mapstructure:"turn_user"`
	TURNPass    string   `mapstructure:"turn_pass"`
}

// Config is the full file layout; both binaries read the same file and pick
// their section.
type Config struct {
	Server Server `mapstructure:"server"`
	Client Client `mapstructure:"client"`
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

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "veilcall-dev-secret")
	v.SetDefault("client.store_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("client.stun_servers", []string{"stun:stun.l.google.com:19302"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
