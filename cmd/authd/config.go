package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// fileConfig is the daemon's deployment surface: transport addresses,
// backends and policy knobs. Engine-internal defaults apply to anything
// left zero here.
type fileConfig struct {
	HTTP struct {
		Addr            string        `yaml:"addr" env:"AUTHD_HTTP_ADDR" env-default:":8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"AUTHD_HTTP_READ_TIMEOUT" env-default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"AUTHD_HTTP_WRITE_TIMEOUT" env-default:"15s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"AUTHD_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	} `yaml:"http"`

	Redis struct {
		Addr     string `yaml:"addr" env:"AUTHD_REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"AUTHD_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"AUTHD_REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	Postgres struct {
		DSN     string `yaml:"dsn" env:"AUTHD_POSTGRES_DSN"`
		Migrate bool   `yaml:"migrate" env:"AUTHD_POSTGRES_MIGRATE" env-default:"true"`
	} `yaml:"postgres"`

	Keys struct {
		Method         string `yaml:"method" env:"AUTHD_KEYS_METHOD" env-default:"ed25519"`
		PrivateKeyFile string `yaml:"private_key_file" env:"AUTHD_KEYS_PRIVATE_FILE"`
		PublicKeyFile  string `yaml:"public_key_file" env:"AUTHD_KEYS_PUBLIC_FILE"`
		// HS256Secret is only read when method is hs256.
		HS256Secret string `yaml:"hs256_secret" env:"AUTHD_KEYS_HS256_SECRET"`
	} `yaml:"keys"`

	Auth struct {
		Issuer        string        `yaml:"issuer" env:"AUTHD_ISSUER" env-default:"stayloop"`
		AccessTTL     time.Duration `yaml:"access_ttl" env:"AUTHD_ACCESS_TTL"`
		RefreshTTL    time.Duration `yaml:"refresh_ttl" env:"AUTHD_REFRESH_TTL"`
		RememberMeTTL time.Duration `yaml:"remember_me_ttl" env:"AUTHD_REMEMBER_ME_TTL"`
		KeyPrefix     string        `yaml:"key_prefix" env:"AUTHD_KEY_PREFIX"`
	} `yaml:"auth"`

	Log struct {
		Level  string `yaml:"level" env:"AUTHD_LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"AUTHD_LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`
}

// loadConfig resolves the config source in order: --config flag,
// CONFIG_PATH, ./authd.yaml, then environment only.
func loadConfig(args []string) (*fileConfig, error) {
	fs := flag.NewFlagSet("authd", flag.ContinueOnError)
	path := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var cfg fileConfig
	read := func(p string) (*fileConfig, error) {
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		return &cfg, nil
	}

	if *path != "" {
		return read(*path)
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return read(p)
	}
	if _, err := os.Stat("authd.yaml"); err == nil {
		return read("authd.yaml")
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}
	return &cfg, nil
}
