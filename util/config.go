package util

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "fedgate"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string `yaml:"host" validate:"required"`
		HttpPort  int    `yaml:"httpPort" validate:"min=1,max=65535"`
		SslDomain string `yaml:"sslDomain" validate:"required,hostname_port|hostname"`
		DbPath    string `yaml:"dbPath" validate:"required"`
		LogLevel  string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`

		// AuthorizedFetch denies unsigned requesters access to per-actor collections.
		AuthorizedFetch bool          `yaml:"authorizedFetch"`
		MaxPayloadBytes int64         `yaml:"maxPayloadBytes" validate:"gt=0"`
		ClockSkew       time.Duration `yaml:"clockSkew" validate:"gt=0"`
		KeyCacheTTL     time.Duration `yaml:"keyCacheTTL" validate:"gt=0"`
		KeyCacheSize    int           `yaml:"keyCacheSize" validate:"gt=0"`
		FetchTimeout    time.Duration `yaml:"fetchTimeout" validate:"gt=0"`

		OutboxLimit  int `yaml:"outboxLimit" validate:"gt=0"`
		RepliesLimit int `yaml:"repliesLimit" validate:"gt=0"`
		ContextLimit int `yaml:"contextLimit" validate:"gt=0"`

		WorkerInterval time.Duration `yaml:"workerInterval" validate:"gt=0"`
		RateLimit      float64       `yaml:"rateLimit" validate:"gt=0"`
		RateBurst      int           `yaml:"rateBurst" validate:"gt=0"`
	} `yaml:"conf"`
}

func ReadConf() (*AppConfig, error) {

	// .env is optional
	_ = godotenv.Load()

	c := &AppConfig{}

	// Defaults first, so a partial config file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Infof("Config file not found at %s, using embedded defaults", configPath)
		if configPath != ConfigFileName {
			if err := os.WriteFile(configPath, embeddedConfig, 0o644); err != nil {
				log.Warnf("Could not write default config to %s: %v", configPath, err)
			} else {
				log.Infof("Created default config file at %s", configPath)
			}
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("in config file: %w", err)
		}
	}

	applyEnv(c)

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("FEDGATE_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("FEDGATE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Warnf("Ignoring FEDGATE_HTTPPORT=%q: %v", v, err)
		} else {
			c.Conf.HttpPort = port
		}
	}

	if v := os.Getenv("FEDGATE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("FEDGATE_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}

	if v := os.Getenv("FEDGATE_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	switch os.Getenv("FEDGATE_AUTHORIZED_FETCH") {
	case "true":
		c.Conf.AuthorizedFetch = true
	case "false":
		c.Conf.AuthorizedFetch = false
	}
}
