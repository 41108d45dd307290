// Package config loads and validates kiln's YAML configuration file,
// following the teacher's config package (gopkg.in/yaml.v3, environment
// variable expansion via os.ExpandEnv before parsing, prompt files
// resolved relative to the config file and read once at load time).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilnhq/kiln/internal/model"
)

// Config is the full daemon configuration, assembled from the keys in
// spec.md §6.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ticket    TicketConfig    `yaml:"ticket"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Stages    StagesConfig    `yaml:"stages"`
	Board     BoardConfig     `yaml:"board"`
	Logs      LogsConfig      `yaml:"logs"`
}

// LogsConfig names the root of the per-run log tree (spec.md §6:
// "./.kiln/logs/<host>/<owner>/<repo>/<issue>/<workflow>-<YYYYMMDD-HHMM>.log").
type LogsConfig struct {
	Root string `yaml:"root"`
}

// BoardConfig names the three board columns that are destinations, not
// triggers: nothing watches them, but Reset and Implement completion
// (spec.md §4.1 items 1 and 5) move issues into them by name. Unlike the
// per-stage columns, a project's operator may have renamed these from the
// GLOSSARY defaults, so they stay configurable rather than literal strings.
type BoardConfig struct {
	Backlog  string `yaml:"backlog"`
	Validate string `yaml:"validate"`
	Done     string `yaml:"done"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

// TicketConfig configures the TicketClient: credentials, which projects
// to watch, and the authorization allow-list.
type TicketConfig struct {
	// GITHUB_TOKEN; always required, also alongside the enterprise triple.
	Token string `yaml:"github_token"`

	// Enterprise triple: all three must be set together, or none.
	EnterpriseAPIURL    string `yaml:"enterprise_api_url"`
	EnterpriseUploadURL string `yaml:"enterprise_upload_url"`
	EnterpriseHost      string `yaml:"enterprise_host"`

	ProjectURLs []string `yaml:"project_urls"`

	// AllowedUsernames is the ALLOWED_USERNAME / USERNAMES_TEAM
	// authorization allow-list (spec.md §4.1).
	AllowedUsernames []string `yaml:"allowed_usernames"`

	PollInterval       string        `yaml:"poll_interval"`
	ParsedPollInterval time.Duration `yaml:"-"`

	// GHESLogsMask redacts the enterprise host and org/repo names from
	// run logs (supplemented feature, SPEC_FULL.md §3).
	GHESLogsMask bool `yaml:"ghes_logs_mask"`
}

type WorkspaceConfig struct {
	// Root is the parent of workspaces/<host>/<owner>/<repo>/<issue>/.
	Root string `yaml:"root"`
}

type ExecutorConfig struct {
	Command       string `yaml:"command"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// IdleTimeoutSeconds bounds how long the executor may run with no
	// stdout output; each stage's TimeoutSeconds is the hard wall-clock
	// ceiling (spec.md §4.5).
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// StagesConfig carries the static per-stage policy for each of the five
// fixed workflow kinds (spec.md §4.3). Unlike the teacher's free-form
// pipeline list, the stage set here is fixed; only each stage's model,
// prompt, timeout, and board column are configurable.
type StagesConfig struct {
	Prepare         StageConfig `yaml:"prepare"`
	Research        StageConfig `yaml:"research"`
	Plan            StageConfig `yaml:"plan"`
	Implement       StageConfig `yaml:"implement"`
	ProcessComments StageConfig `yaml:"process_comments"`
}

type StageConfig struct {
	// Column is the kanban column that triggers this stage. Empty for
	// Prepare (runs implicitly as part of Implement) and ProcessComments
	// (not column-bound, spec.md §4.3).
	Column string `yaml:"column"`

	Model      string `yaml:"model"`
	PromptFile string `yaml:"prompt_file"`
	Prompt     string `yaml:"-"` // resolved from PromptFile at load time

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads, expands, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := cfg.validate(configDir); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate(configDir string) error {
	// Defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Executor.MaxConcurrent == 0 {
		c.Executor.MaxConcurrent = 3
	}
	if c.Executor.IdleTimeoutSeconds == 0 {
		c.Executor.IdleTimeoutSeconds = 600 // 10 min, spec.md §4.5
	}

	// Required fields
	if c.Executor.Command == "" {
		return fmt.Errorf("executor.command is required")
	}

	hasToken := c.Ticket.Token != ""
	hasEnterprise := c.Ticket.EnterpriseAPIURL != "" || c.Ticket.EnterpriseUploadURL != "" || c.Ticket.EnterpriseHost != ""
	if hasEnterprise {
		if c.Ticket.EnterpriseAPIURL == "" || c.Ticket.EnterpriseUploadURL == "" || c.Ticket.EnterpriseHost == "" {
			return fmt.Errorf("ticket: enterprise_api_url, enterprise_upload_url, and enterprise_host must all be set together")
		}
		c.Ticket.EnterpriseHost = strings.TrimSuffix(c.Ticket.EnterpriseHost, "/")
	}
	if !hasToken {
		return fmt.Errorf("ticket.github_token is required")
	}

	if len(c.Ticket.ProjectURLs) == 0 {
		return fmt.Errorf("ticket.project_urls must name at least one project")
	}
	if len(c.Ticket.AllowedUsernames) == 0 {
		return fmt.Errorf("ticket.allowed_usernames must name at least one authorized user")
	}

	if c.Ticket.PollInterval == "" {
		c.Ticket.PollInterval = "30s"
	}
	d, err := time.ParseDuration(c.Ticket.PollInterval)
	if err != nil {
		return fmt.Errorf("ticket.poll_interval: %w", err)
	}
	if d < 10*time.Second {
		return fmt.Errorf("ticket.poll_interval must be at least 10s, got %s", d)
	}
	c.Ticket.ParsedPollInterval = d

	if c.Board.Backlog == "" {
		c.Board.Backlog = "Backlog"
	}
	if c.Board.Validate == "" {
		c.Board.Validate = "Validate"
	}
	if c.Board.Done == "" {
		c.Board.Done = "Done"
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = "./workspaces"
	}
	if err := os.MkdirAll(c.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("creating workspace root %q: %w", c.Workspace.Root, err)
	}

	if c.Logs.Root == "" {
		c.Logs.Root = "./.kiln/logs"
	}
	if err := os.MkdirAll(c.Logs.Root, 0o755); err != nil {
		return fmt.Errorf("creating logs root %q: %w", c.Logs.Root, err)
	}

	stages := []struct {
		name           string
		stage          *StageConfig
		requiresColumn bool
	}{
		{"prepare", &c.Stages.Prepare, false},
		{"research", &c.Stages.Research, true},
		{"plan", &c.Stages.Plan, true},
		{"implement", &c.Stages.Implement, true},
		{"process_comments", &c.Stages.ProcessComments, false},
	}

	seenColumns := make(map[string]string)
	for _, s := range stages {
		if s.requiresColumn && s.stage.Column == "" {
			return fmt.Errorf("stages.%s.column is required", s.name)
		}
		if s.stage.Column != "" {
			if owner, dup := seenColumns[s.stage.Column]; dup {
				return fmt.Errorf("stages.%s and stages.%s both watch column %q", s.name, owner, s.stage.Column)
			}
			seenColumns[s.stage.Column] = s.name
		}
		if s.stage.PromptFile == "" {
			continue // Prepare may have no prompt: it's a lightweight no-op by default
		}
		promptPath := s.stage.PromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(configDir, promptPath)
		}
		promptData, err := os.ReadFile(promptPath)
		if err != nil {
			return fmt.Errorf("stages.%s.prompt_file %q: %w", s.name, s.stage.PromptFile, err)
		}
		s.stage.Prompt = string(promptData)

		if s.stage.TimeoutSeconds == 0 {
			s.stage.TimeoutSeconds = 3600 // 60 min default, spec.md §4.5
		}
	}

	return nil
}

// LogPath returns the per-run log file path for a workflow run on an
// issue, following spec.md §6's persistent state layout. startedAt is
// truncated to the minute, matching the <YYYYMMDD-HHMM> suffix the spec
// names.
func (c *Config) LogPath(ref model.IssueRef, workflowName string, startedAt time.Time) string {
	dir := filepath.Join(c.Logs.Root, ref.Host, ref.Owner, ref.Repo, strconv.Itoa(ref.Number))
	file := fmt.Sprintf("%s-%s.log", workflowName, startedAt.UTC().Format("20060102-1504"))
	return filepath.Join(dir, file)
}

// SessionFilePath returns the companion file spec.md §6 names alongside a
// run's log file ("companion `.session` file stores the executor session
// id"), derived by swapping the log file's extension.
func SessionFilePath(logPath string) string {
	return strings.TrimSuffix(logPath, filepath.Ext(logPath)) + ".session"
}

// WatchedColumns lists every board column the Reconciler must scan.
func (c *Config) WatchedColumns() []string {
	var cols []string
	for _, s := range []StageConfig{c.Stages.Research, c.Stages.Plan, c.Stages.Implement} {
		if s.Column != "" {
			cols = append(cols, s.Column)
		}
	}
	return cols
}

// IsAllowed reports whether username is in the authorization allow-list.
func (c *Config) IsAllowed(username string) bool {
	if username == "" {
		return false
	}
	for _, u := range c.Ticket.AllowedUsernames {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}
