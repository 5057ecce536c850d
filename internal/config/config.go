// Package config holds the application configuration, loaded once at
// startup and threaded into the store and scraper constructors.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variable names honored by Load. They are read in exactly
// one place so the rest of the code never touches process globals.
const (
	EnvDataDir      = "ISSUESYNC_DATA_DIR"
	EnvGitHubToken  = "GITHUB_TOKEN"
	EnvJiraBaseURL  = "JIRA_BASE_URL"
	EnvJiraUsername = "JIRA_USERNAME"
	EnvJiraToken    = "JIRA_TOKEN"
)

// Config is the application configuration.
type Config struct {
	// DataDir is the root directory for per-repository databases,
	// laid out as <DataDir>/<platform>/<owner>/<repo>.sqlite.
	DataDir string `yaml:"data_dir"`

	// GitHubToken authenticates GitHub API requests. Required to
	// construct a GitHub scraper.
	GitHubToken string `yaml:"github_token"`

	// JiraBaseURL is the Jira server root, e.g. https://jira.mongodb.org.
	// Required to construct a Jira scraper.
	JiraBaseURL string `yaml:"jira_base_url"`

	// JiraUsername and JiraToken enable basic auth when both are set;
	// otherwise Jira requests are anonymous.
	JiraUsername string `yaml:"jira_username"`
	JiraToken    string `yaml:"jira_token"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{DataDir: "data"}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error when path is
// empty; a named file that cannot be read is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv(EnvJiraBaseURL); v != "" {
		c.JiraBaseURL = v
	}
	if v := os.Getenv(EnvJiraUsername); v != "" {
		c.JiraUsername = v
	}
	if v := os.Getenv(EnvJiraToken); v != "" {
		c.JiraToken = v
	}
}

// DatabasePath returns the database location for one tracked repository.
// The (platform, owner, repo) triple maps deterministically to
// <DataDir>/<platform>/<owner>/<repo>.sqlite.
func (c *Config) DatabasePath(platform, owner, repo string) string {
	return filepath.Join(c.DataDir, platform, owner, repo+".sqlite")
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
