package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment overrides, applied after the file is decoded.
const (
	envExecutable = "ZIMAGE_EXECUTABLE"
	envAPIBind    = "ZIMAGE_API_BIND"
	envOutputDir  = "ZIMAGE_OUTPUT_DIR"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(envExecutable); ok && strings.TrimSpace(v) != "" {
		c.Paths.Executable = v
	}
	if v, ok := os.LookupEnv(envAPIBind); ok && strings.TrimSpace(v) != "" {
		c.Paths.APIBind = v
	}
	if v, ok := os.LookupEnv(envOutputDir); ok && strings.TrimSpace(v) != "" {
		c.Paths.OutputDir = v
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.Executable, err = expandPath(strings.TrimSpace(c.Paths.Executable)); err != nil {
		return fmt.Errorf("paths.executable: %w", err)
	}
	if c.Paths.OutputDir, err = expandPath(strings.TrimSpace(c.Paths.OutputDir)); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(strings.TrimSpace(c.Paths.StateDir)); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.StaticDir, err = expandPath(strings.TrimSpace(c.Paths.StaticDir)); err != nil {
		return fmt.Errorf("paths.static_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
