// Package config loads the server configuration from an optional yaml file
// with environment variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	BasePath       string `yaml:"basePath"`
	DBPath         string `yaml:"dbPath"`
	DataDir        string `yaml:"dataDir"`
	Device         string `yaml:"device"`
	AllowDownloads bool   `yaml:"allowDownloads"`

	MainWorkers int `yaml:"mainWorkers"`
	BoxWorkers  int `yaml:"boxWorkers"`
	OCRWorkers  int `yaml:"ocrWorkers"`
	TSLWorkers  int `yaml:"tslWorkers"`

	TSLBatchTimeoutMS int `yaml:"tslBatchTimeoutMs"`

	AutocreateLanguages bool   `yaml:"autocreateLanguages"`
	AutocreateModels    bool   `yaml:"autocreateModels"`
	LoadOnStart         string `yaml:"loadOnStart"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// Load reads path (skipped when empty or missing) and applies environment
// overrides and defaults.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	c.Host = getEnv("OCT_HOST", c.Host)
	c.Port = getEnvInt("OCT_PORT", c.Port)
	c.BasePath = getEnv("OCT_BASE_DIR", c.BasePath)
	c.DBPath = getEnv("OCT_DB_PATH", c.DBPath)
	c.DataDir = getEnv("OCT_DATA_DIR", c.DataDir)
	c.Device = getEnv("DEVICE", c.Device)
	c.AllowDownloads = getEnvBool("ALLOW_DOWNLOADS", c.AllowDownloads)
	c.MainWorkers = getEnvInt("NUM_MAIN_WORKERS", c.MainWorkers)
	c.BoxWorkers = getEnvInt("NUM_BOX_WORKERS", c.BoxWorkers)
	c.OCRWorkers = getEnvInt("NUM_OCR_WORKERS", c.OCRWorkers)
	c.TSLWorkers = getEnvInt("NUM_TSL_WORKERS", c.TSLWorkers)
	c.AutocreateLanguages = getEnvBool("AUTOCREATE_LANGUAGES", c.AutocreateLanguages)
	c.AutocreateModels = getEnvBool("AUTOCREATE_MODELS", c.AutocreateModels)
	c.LoadOnStart = getEnv("LOAD_ON_START", c.LoadOnStart)
	c.LogLevel = getEnv("OCT_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("OCT_LOG_FILE", c.LogFile)

	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 4000
	}
	if c.BasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("config: no base path and no home directory: %w", err)
		}
		c.BasePath = home + "/.ocr_translate"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.MainWorkers == 0 {
		c.MainWorkers = 4
	}
	if c.BoxWorkers == 0 {
		c.BoxWorkers = 1
	}
	if c.OCRWorkers == 0 {
		c.OCRWorkers = 1
	}
	if c.TSLWorkers == 0 {
		c.TSLWorkers = 1
	}
	if c.TSLBatchTimeoutMS == 0 {
		c.TSLBatchTimeoutMS = 500
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for name, n := range map[string]int{
		"main": c.MainWorkers,
		"box":  c.BoxWorkers,
		"ocr":  c.OCRWorkers,
		"tsl":  c.TSLWorkers,
	} {
		if n < 1 {
			return Config{}, fmt.Errorf("config: %s worker count must be at least 1, got %d", name, n)
		}
	}
	switch c.LoadOnStart {
	case "", "false", "true", "last", "most":
	default:
		return Config{}, fmt.Errorf("config: loadOnStart must be one of false, true, last, most; got %q", c.LoadOnStart)
	}
	return c, nil
}

// TSLBatchTimeout returns the translation coalescing window as a duration.
func (c Config) TSLBatchTimeout() time.Duration {
	return time.Duration(c.TSLBatchTimeoutMS) * time.Millisecond
}

// Addr is the host:port the HTTP server binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
