package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// envConfig is the operator-facing configuration, read from the environment
// once at startup.
type envConfig struct {
	Port                      int    `env:"PORT" envDefault:"8081"`
	RelayMode                 string `env:"RELAY_MODE" envDefault:"redirect"`
	FallbackGatewayDomain     string `env:"FALLBACK_GATEWAY_DOMAIN"`
	AllowedDomainRegex        string `env:"ALLOWED_DOMAIN_REGEX" envDefault:"^_\\.(.+\\.phala\\.network)$"`
	GatewayDomainCaptureGroup int    `env:"GATEWAY_DOMAIN_CAPTURE_GROUP" envDefault:"1"`
	DNSServer                 string `env:"DNS_SERVER"`
	LogLevel                  string `env:"LOG_LEVEL" envDefault:"info"`
}

func loadEnvConfig() (envConfig, error) {
	// A .env file is optional, a missing one is not an error.
	_ = godotenv.Load()

	var c envConfig
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parsing environment")
	}
	return c, nil
}

// tuning holds the transport and logging knobs that rarely need changing.
// Loaded from an optional TOML file given as the first CLI argument.
type tuning struct {
	Proxy struct {
		MaxIdleConnsPerHost int `toml:"max-idle-conns-per-host"`
		IdleConnTimeoutSec  int `toml:"idle-conn-timeout-sec"`
		ConnectTimeoutSec   int `toml:"connect-timeout-sec"`
		RequestTimeoutSec   int `toml:"request-timeout-sec"`
	} `toml:"proxy"`
	DNS struct {
		TimeoutSec int `toml:"timeout-sec"`
	} `toml:"dns"`
	Syslog struct {
		Enabled  bool   `toml:"enabled"`
		Network  string `toml:"network"`
		Address  string `toml:"address"`
		Priority int    `toml:"priority"`
		Tag      string `toml:"tag"`
	} `toml:"syslog"`
	Log struct {
		Format string `toml:"format"`
	} `toml:"log"`
}

// loadTuning reads a tuning file and returns the decoded structure.
func loadTuning(name string) (tuning, error) {
	var t tuning
	f, err := os.Open(name)
	if err != nil {
		return t, err
	}
	defer f.Close()
	_, err = toml.NewDecoder(f).Decode(&t)
	return t, err
}
