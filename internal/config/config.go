// Package config loads the router's YAML configuration: global limits, the
// blocking policy, and the per-event task lists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/hookwire/internal/hook"
	"github.com/basket/hookwire/internal/store"
)

// TaskEntry configures one synchronous task on an event.
type TaskEntry struct {
	// ID names the task for logging and feedback dedup. Defaults to Ref or
	// the first command word.
	ID string `yaml:"id"`
	// Ref selects a registered task implementation.
	Ref string `yaml:"ref"`
	// Command runs an external checker instead of a registered ref.
	Command []string `yaml:"command"`
	// Tools limits the task to specific tool names (PreToolUse/PostToolUse).
	Tools []string `yaml:"tools"`
	// FileTypes limits the task to events touching files with these
	// extensions (".py" and "py" both accepted).
	FileTypes []string `yaml:"file_types"`
	// Timeout in seconds for this task; falls back to the global default.
	Timeout int `yaml:"timeout"`
	// Params are passed through to the task implementation.
	Params map[string]any `yaml:"params"`

	// Feedback routing defaults for the task's output.
	Severity store.Severity `yaml:"severity"`
	Category string         `yaml:"category"`
	Strategy store.Strategy `yaml:"strategy"`

	// BlockOnFailure makes a failing command task block instead of warn.
	BlockOnFailure bool `yaml:"block_on_failure"`
}

// Name returns the entry's effective id.
func (t TaskEntry) Name() string {
	if t.ID != "" {
		return t.ID
	}
	if t.Ref != "" {
		return t.Ref
	}
	if len(t.Command) > 0 {
		return filepath.Base(t.Command[0])
	}
	return "task"
}

// Policy controls when merged feedback escalates to a block and when deferred
// feedback is flushed.
type Policy struct {
	// BlockOn lists feedback classes that force a block: "error" (severity),
	// "security" (category), or "security:warn" (category at severity).
	BlockOn []string `yaml:"block_on"`
	// FlushDeferredOn lists events that release defer_until_commit feedback.
	FlushDeferredOn []string `yaml:"flush_deferred_on"`
}

// Config is the full router configuration.
type Config struct {
	// Concurrency bounds how many synchronous tasks run in parallel per event.
	Concurrency int `yaml:"concurrency"`
	// DefaultTimeout in seconds for synchronous tasks.
	DefaultTimeout int `yaml:"default_timeout"`
	// MaxBackground bounds concurrently running background tasks per session.
	MaxBackground int    `yaml:"max_background"`
	LogLevel      string `yaml:"log_level"`
	// CacheRoot overrides where session partitions live.
	CacheRoot string `yaml:"cache_root"`

	Policy Policy `yaml:"policy"`

	PreToolUse       []TaskEntry `yaml:"PreToolUse"`
	PostToolUse      []TaskEntry `yaml:"PostToolUse"`
	UserPromptSubmit []TaskEntry `yaml:"UserPromptSubmit"`
	Stop             []TaskEntry `yaml:"Stop"`
	SubagentStop     []TaskEntry `yaml:"SubagentStop"`
	SessionStart     []TaskEntry `yaml:"SessionStart"`
	SessionEnd       []TaskEntry `yaml:"SessionEnd"`
	Notification     []TaskEntry `yaml:"Notification"`
	PreCompact       []TaskEntry `yaml:"PreCompact"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Concurrency:    6,
		DefaultTimeout: 12,
		MaxBackground:  2,
		LogLevel:       "info",
		Policy: Policy{
			FlushDeferredOn: []string{hook.Stop},
		},
	}
}

// searchPaths is the config lookup order relative to the working directory.
// HOOKWIRE_CONFIG overrides the whole search.
var searchPaths = []string{
	"hooks.yml",
	"hooks.yaml",
	filepath.Join("config", "hooks.yml"),
	filepath.Join(".claude", "hooks", "config", "hooks.yml"),
	"hooks.json",
}

// Load reads configuration from the first path found, starting from defaults.
// A missing config file is not an error; a present but unreadable or invalid
// one is.
func Load(dir string) (*Config, error) {
	if override := os.Getenv("HOOKWIRE_CONFIG"); override != "" {
		return loadFile(override)
	}
	for _, rel := range searchPaths {
		path := filepath.Join(dir, rel)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return loadFile(path)
	}
	return Default(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	// yaml.v3 accepts JSON input too, so hooks.json needs no separate decoder.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 6
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 12
	}
	if c.MaxBackground <= 0 {
		c.MaxBackground = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy.FlushDeferredOn == nil {
		c.Policy.FlushDeferredOn = []string{hook.Stop}
	}
}

// Section returns the task list configured for an event.
func (c *Config) Section(event string) []TaskEntry {
	switch event {
	case hook.PreToolUse:
		return c.PreToolUse
	case hook.PostToolUse:
		return c.PostToolUse
	case hook.UserPromptSubmit:
		return c.UserPromptSubmit
	case hook.Stop:
		return c.Stop
	case hook.SubagentStop:
		return c.SubagentStop
	case hook.SessionStart:
		return c.SessionStart
	case hook.SessionEnd:
		return c.SessionEnd
	case hook.Notification:
		return c.Notification
	case hook.PreCompact:
		return c.PreCompact
	default:
		return nil
	}
}

// Select filters the event's task list by tool name and changed file
// extensions, deduplicating by effective id.
func (c *Config) Select(event, toolName string, files []string) []TaskEntry {
	entries := c.Section(event)
	if len(entries) == 0 {
		return nil
	}

	var out []TaskEntry
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if !matchTools(entry.Tools, toolName) {
			continue
		}
		if !matchFileTypes(entry.FileTypes, files) {
			continue
		}
		name := entry.Name()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// FlushDeferred reports whether the event releases deferred feedback.
func (c *Config) FlushDeferred(event string) bool {
	for _, e := range c.Policy.FlushDeferredOn {
		if e == event {
			return true
		}
	}
	return false
}

func matchTools(tools []string, toolName string) bool {
	if len(tools) == 0 {
		return true
	}
	if toolName == "" {
		return false
	}
	for _, t := range tools {
		if strings.EqualFold(t, toolName) {
			return true
		}
	}
	return false
}

func matchFileTypes(types []string, files []string) bool {
	if len(types) == 0 {
		return true
	}
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f)), ".")
		for _, t := range types {
			if strings.TrimPrefix(strings.ToLower(t), ".") == ext {
				return true
			}
		}
	}
	return false
}
