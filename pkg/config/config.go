package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the full service configuration. It is built once at startup
// and passed into each component's constructor; nothing reads it globally.
type Config struct {
	Domain string `yaml:"domain"`
	API    struct {
		Port string `yaml:"port"`
	} `yaml:"api"`
	Storage struct {
		Folder   string `yaml:"folder"`
		Database string `yaml:"database"`
	} `yaml:"storage"`
	Uploads struct {
		FileLength          int      `yaml:"file_length"`
		MaxTries            int      `yaml:"max_tries"`
		MaxSizeBytes        int64    `yaml:"max_size_bytes"`
		FilterEmptyFiles    bool     `yaml:"filter_empty_files"`
		BlockedExtensions   []string `yaml:"blocked_extensions"`
		PreservedExtensions []string `yaml:"preserved_extensions"`
		Scan                struct {
			Enabled        bool   `yaml:"enabled"`
			Address        string `yaml:"address"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"scan"`
		Thumbnails struct {
			Enabled bool `yaml:"enabled"`
			Workers int  `yaml:"workers"`
		} `yaml:"thumbnails"`
	} `yaml:"uploads"`
	Backup struct {
		Enabled  bool   `yaml:"enabled"`
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Prefix   string `yaml:"prefix"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"backup"`
	Private bool `yaml:"private"`
}

// Load reads the configuration file (CONFIG_PATH or ./config.yaml) and fills
// in defaults for anything left unset.
func Load() (*Config, error) {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := Default()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only; still validated below.
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Default returns a configuration with sane defaults for local use.
func Default() *Config {
	c := &Config{}
	c.Domain = "http://localhost:9999"
	c.API.Port = "9999"
	c.Storage.Folder = "./uploads"
	c.Storage.Database = "./filesafe.db"
	c.Uploads.FileLength = 32
	c.Uploads.MaxTries = 1
	c.Uploads.MaxSizeBytes = 512 * 1024 * 1024
	c.Uploads.PreservedExtensions = []string{".tar.gz", ".tar.z", ".tar.bz2", ".tar.lzma", ".tar.xz"}
	c.Uploads.Scan.Address = "tcp://localhost:3310"
	c.Uploads.Scan.TimeoutSeconds = 60
	c.Uploads.Thumbnails.Enabled = true
	c.Uploads.Thumbnails.Workers = 2
	c.Backup.Region = "us-east-1"
	return c
}

// Validate checks constraints that would otherwise surface as confusing
// runtime failures deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Uploads.FileLength < 4 {
		return fmt.Errorf("uploads.file_length must be at least 4, got %d", c.Uploads.FileLength)
	}
	if c.Uploads.MaxTries < 1 {
		return fmt.Errorf("uploads.max_tries must be at least 1, got %d", c.Uploads.MaxTries)
	}
	if c.Uploads.MaxSizeBytes <= 0 {
		return fmt.Errorf("uploads.max_size_bytes must be positive, got %d", c.Uploads.MaxSizeBytes)
	}
	if c.Uploads.Scan.Enabled && c.Uploads.Scan.Address == "" {
		return fmt.Errorf("uploads.scan.address is required when scanning is enabled")
	}
	if c.Uploads.Thumbnails.Enabled && c.Uploads.Thumbnails.Workers < 1 {
		return fmt.Errorf("uploads.thumbnails.workers must be at least 1, got %d", c.Uploads.Thumbnails.Workers)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup.bucket is required when backup is enabled")
	}
	return nil
}
