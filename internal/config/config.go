// Package config loads the platform configuration from a YAML file.
// A missing file is not an error: every field has a default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"browserpilot/internal/define"
)

// Provider configures one LLM provider entry.
type Provider struct {
	Type        string `yaml:"type"` // openai, azure, anthropic, gemini, ollama, qwen
	APIKey      string `yaml:"apiKey"`
	APIEndpoint string `yaml:"apiEndpoint"`
	ExtraConfig string `yaml:"extraConfig"`
}

// LLM configures the chat model used by the agent loop and the planner
// fallback classifier.
type LLM struct {
	Provider Provider `yaml:"provider"`
	ModelID  string   `yaml:"modelId"`

	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// Browser configures the shared browser instances and the session manager.
type Browser struct {
	BrowserPath  string `yaml:"browserPath"` // auto-detected when empty
	WindowWidth  int    `yaml:"windowWidth"`
	WindowHeight int    `yaml:"windowHeight"`

	MaxTabsPerSession int      `yaml:"maxTabsPerSession"`
	SessionTTL        Duration `yaml:"sessionTtl"`
	SweepInterval     Duration `yaml:"sweepInterval"`
	IdleCloseDelay    Duration `yaml:"idleCloseDelay"`
	CookieSyncTick    Duration `yaml:"cookieSyncTick"`
	CookieFile        string   `yaml:"cookieFile"` // empty = default path, "-" = no persistence
	MaxCookieDomains  int      `yaml:"maxCookieDomains"`

	// BlockScriptTools withholds execute_javascript and upload_file from
	// the model.
	BlockScriptTools bool `yaml:"blockScriptTools"`
}

// Agent configures the reason–act loop.
type Agent struct {
	MaxIterations        int      `yaml:"maxIterations"`
	MaxConsecutiveErrors int      `yaml:"maxConsecutiveErrors"`
	HardTimeout          Duration `yaml:"hardTimeout"`
	AskHumanTimeout      Duration `yaml:"askHumanTimeout"`
}

// Runner configures the task runner.
type Runner struct {
	MaxConcurrentRuns int      `yaml:"maxConcurrentRuns"`
	RunHardTimeout    Duration `yaml:"runHardTimeout"`
	RunTTL            Duration `yaml:"runTtl"`
	ArtifactTTL       Duration `yaml:"artifactTtl"`
}

// Memory configures the site-memory store.
type Memory struct {
	Dir string `yaml:"dir"` // empty = <config dir>/browserpilot/memory
}

// Config is the root configuration.
type Config struct {
	DataDir string  `yaml:"dataDir"` // empty = <UserConfigDir>/browserpilot
	LLM     LLM     `yaml:"llm"`
	Browser Browser `yaml:"browser"`
	Agent   Agent   `yaml:"agent"`
	Runner  Runner  `yaml:"runner"`
	Memory  Memory  `yaml:"memory"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path. An empty path resolves to
// <UserConfigDir>/browserpilot/config.yaml; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		path = filepath.Join(cfgDir, define.AppID, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if cfgDir, err := os.UserConfigDir(); err == nil {
			c.DataDir = filepath.Join(cfgDir, define.AppID)
		}
	}

	if c.Browser.WindowWidth <= 0 {
		c.Browser.WindowWidth = 1280
	}
	if c.Browser.WindowHeight <= 0 {
		c.Browser.WindowHeight = 1024
	}
	if c.Browser.MaxTabsPerSession <= 0 {
		c.Browser.MaxTabsPerSession = define.MaxTabsPerSession
	}
	if c.Browser.SessionTTL <= 0 {
		c.Browser.SessionTTL = Duration(30 * time.Minute)
	}
	if c.Browser.SweepInterval <= 0 {
		c.Browser.SweepInterval = Duration(define.SessionSweepInterval)
	}
	if c.Browser.IdleCloseDelay <= 0 {
		c.Browser.IdleCloseDelay = Duration(define.IdleBrowserCloseDelay)
	}
	if c.Browser.CookieSyncTick <= 0 {
		c.Browser.CookieSyncTick = Duration(define.HeadfulCookieSyncTick)
	}
	if c.Browser.MaxCookieDomains <= 0 {
		c.Browser.MaxCookieDomains = define.MaxCookieDomains
	}
	if c.Browser.CookieFile == "" && c.DataDir != "" {
		c.Browser.CookieFile = filepath.Join(c.DataDir, define.DefaultCookieFileName)
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 25
	}
	if c.Agent.MaxConsecutiveErrors <= 0 {
		c.Agent.MaxConsecutiveErrors = 3
	}
	if c.Agent.HardTimeout <= 0 {
		c.Agent.HardTimeout = Duration(define.AgentHardTimeout)
	}
	if c.Agent.AskHumanTimeout <= 0 {
		c.Agent.AskHumanTimeout = Duration(define.AskHumanTimeout)
	}

	if c.Runner.MaxConcurrentRuns <= 0 {
		c.Runner.MaxConcurrentRuns = define.MaxConcurrentRuns
	}
	if c.Runner.RunHardTimeout <= 0 || c.Runner.RunHardTimeout.D() > define.RunHardTimeout {
		c.Runner.RunHardTimeout = Duration(define.RunHardTimeout)
	}
	if c.Runner.RunTTL <= 0 {
		c.Runner.RunTTL = Duration(define.RunTTLAfterTerminal)
	}
	if c.Runner.ArtifactTTL <= 0 {
		c.Runner.ArtifactTTL = Duration(define.ArtifactTTLAfterTerminal)
	}

	if c.Memory.Dir == "" && c.DataDir != "" {
		c.Memory.Dir = filepath.Join(c.DataDir, define.MemoryDirName)
	}
}
