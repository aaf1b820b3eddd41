package config

import (
	"os"
	"path/filepath"
)

// Config resolves where setfarm keeps its database, workflow specs and
// run archive, overridable via SETFARM_DATA_DIR (spec §6 expansion).
type Config struct {
	DataDir string
	DBPath  string
	SpecDir string
	RunsDir string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("SETFARM_DATA_DIR", filepath.Join(homeDir, ".setfarm"))

	c := &Config{
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "setfarm.db"),
		SpecDir: filepath.Join(dataDir, "specs"),
		RunsDir: filepath.Join(dataDir, "runs"),
	}
	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.SpecDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(c.RunsDir, 0o755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
