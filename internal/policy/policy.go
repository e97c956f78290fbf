package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"adwboard/internal/model"
)

const DefaultPolicyPath = ".adwboard/policy.json"

const (
	ReservedMatchSuperset = "superset"
	ReservedMatchExact    = "exact"
)

type Config struct {
	Version int         `json:"version" yaml:"version"`
	Stages  StageConfig `json:"stages" yaml:"stages"`
	Paths   struct {
		RepoRoot  string `json:"repo_root" yaml:"repo_root"`
		StateRoot string `json:"state_root" yaml:"state_root"`
		TreesRoot string `json:"trees_root" yaml:"trees_root"`
	} `json:"paths" yaml:"paths"`
	Teardown struct {
		LockRetryAttempts int    `json:"lock_retry_attempts" yaml:"lock_retry_attempts"`
		LockRetryDelay    string `json:"lock_retry_delay" yaml:"lock_retry_delay"`
		KillGrace         string `json:"kill_grace" yaml:"kill_grace"`
		PortConcurrency   int    `json:"port_concurrency" yaml:"port_concurrency"`
		DrainTimeout      string `json:"drain_timeout" yaml:"drain_timeout"`
	} `json:"teardown" yaml:"teardown"`
	Notify struct {
		BufferSize int `json:"buffer_size" yaml:"buffer_size"`
		Redis      struct {
			URL    string `json:"url" yaml:"url"`
			Stream string `json:"stream" yaml:"stream"`
		} `json:"redis" yaml:"redis"`
	} `json:"notify" yaml:"notify"`
	Dispatch struct {
		Command string   `json:"command" yaml:"command"`
		Args    []string `json:"args" yaml:"args"`
	} `json:"dispatch" yaml:"dispatch"`
}

// StageConfig is the stage vocabulary and naming rules handed to the
// canonicalizer. Vocabulary order is the canonical join order.
type StageConfig struct {
	Vocabulary    []string           `json:"vocabulary" yaml:"vocabulary"`
	Synonyms      map[string]string  `json:"synonyms" yaml:"synonyms"`
	Reserved      []ReservedWorkflow `json:"reserved" yaml:"reserved"`
	Dedicated     map[string]string  `json:"dedicated" yaml:"dedicated"`
	Prefix        string             `json:"prefix" yaml:"prefix"`
	Suffix        string             `json:"suffix" yaml:"suffix"`
	Separator     string             `json:"separator" yaml:"separator"`
	ReservedMatch string             `json:"reserved_match" yaml:"reserved_match"`
}

type ReservedWorkflow struct {
	Name     string   `json:"name" yaml:"name"`
	Stages   []string `json:"stages" yaml:"stages"`
	Workflow string   `json:"workflow" yaml:"workflow"`
}

func DefaultStages() StageConfig {
	lifecycle := []string{"plan", "implement", "test", "review", "document"}
	return StageConfig{
		Vocabulary: []string{"plan", "implement", "test", "review", "document", "pr", "merge"},
		Synonyms: map[string]string{
			"implement": "build",
			"merge":     "ship",
		},
		Reserved: []ReservedWorkflow{
			{Name: "sdlc_zte", Stages: append(append([]string{}, lifecycle...), "merge"), Workflow: "adw_sdlc_zte_iso"},
			{Name: "sdlc", Stages: lifecycle, Workflow: "adw_sdlc_iso"},
		},
		Dedicated: map[string]string{
			"merge": "adw_ship_iso",
		},
		Prefix:        "adw_",
		Suffix:        "_iso",
		Separator:     "_",
		ReservedMatch: ReservedMatchSuperset,
	}
}

func Default() Config {
	cfg := Config{
		Version: 1,
		Stages:  DefaultStages(),
	}
	cfg.Paths.RepoRoot = "."
	cfg.Paths.StateRoot = "agents"
	cfg.Paths.TreesRoot = "trees"
	cfg.Teardown.LockRetryAttempts = 1
	cfg.Teardown.LockRetryDelay = "2s"
	cfg.Teardown.KillGrace = "3s"
	cfg.Teardown.PortConcurrency = 4
	cfg.Teardown.DrainTimeout = "30s"
	cfg.Notify.BufferSize = 64
	cfg.Notify.Redis.Stream = "adwboard.lifecycle"
	cfg.Dispatch.Command = "uv"
	cfg.Dispatch.Args = []string{"run", "adws/{workflow}.py", "{issue}", "{run_id}"}
	return cfg
}

// Load reads a policy file. A missing file yields the defaults; .yaml and
// .yml files are parsed as YAML, everything else as JSON.
func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	switch strings.ToLower(filepath.Ext(finalPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	default:
		b, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if err := ValidateStages(cfg.Stages); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Paths.StateRoot) == "" {
		return fmt.Errorf("paths.state_root cannot be empty")
	}
	if strings.TrimSpace(cfg.Paths.RepoRoot) == "" {
		return fmt.Errorf("paths.repo_root cannot be empty")
	}
	if cfg.Teardown.LockRetryAttempts < 0 {
		return fmt.Errorf("teardown.lock_retry_attempts must be >= 0")
	}
	if _, err := parseDuration("teardown.lock_retry_delay", cfg.Teardown.LockRetryDelay); err != nil {
		return err
	}
	if _, err := parseDuration("teardown.kill_grace", cfg.Teardown.KillGrace); err != nil {
		return err
	}
	if _, err := parseDuration("teardown.drain_timeout", cfg.Teardown.DrainTimeout); err != nil {
		return err
	}
	if cfg.Notify.BufferSize < 0 {
		return fmt.Errorf("notify.buffer_size must be >= 0")
	}
	if strings.TrimSpace(cfg.Dispatch.Command) == "" {
		return fmt.Errorf("dispatch.command cannot be empty")
	}
	return nil
}

func ValidateStages(stages StageConfig) error {
	if len(stages.Vocabulary) == 0 {
		return fmt.Errorf("stages.vocabulary must contain at least one entry")
	}
	known := map[model.StageToken]bool{}
	for _, raw := range stages.Vocabulary {
		token := model.NormalizeStageToken(raw)
		if token == "" {
			return fmt.Errorf("stages.vocabulary entries cannot be empty")
		}
		if known[token] {
			return fmt.Errorf("stages.vocabulary contains duplicate %q", raw)
		}
		known[token] = true
	}
	for token := range stages.Synonyms {
		if !known[model.NormalizeStageToken(token)] {
			return fmt.Errorf("stages.synonyms references unknown stage %q", token)
		}
	}
	for token, workflow := range stages.Dedicated {
		if !known[model.NormalizeStageToken(token)] {
			return fmt.Errorf("stages.dedicated references unknown stage %q", token)
		}
		if strings.TrimSpace(workflow) == "" {
			return fmt.Errorf("stages.dedicated[%s] workflow cannot be empty", token)
		}
	}
	for _, reserved := range stages.Reserved {
		if strings.TrimSpace(reserved.Workflow) == "" {
			return fmt.Errorf("stages.reserved workflow cannot be empty")
		}
		if len(reserved.Stages) == 0 {
			return fmt.Errorf("stages.reserved %q must list stages", reserved.Workflow)
		}
		for _, token := range reserved.Stages {
			if !known[model.NormalizeStageToken(token)] {
				return fmt.Errorf("stages.reserved %q references unknown stage %q", reserved.Workflow, token)
			}
		}
	}
	switch stages.ReservedMatch {
	case "", ReservedMatchSuperset, ReservedMatchExact:
	default:
		return fmt.Errorf("stages.reserved_match must be superset|exact")
	}
	return nil
}

func (c Config) LockRetryDelay() time.Duration {
	d, _ := parseDuration("teardown.lock_retry_delay", c.Teardown.LockRetryDelay)
	return d
}

// DrainTimeout bounds how long shutdown waits for in-flight deletions.
func (c Config) DrainTimeout() time.Duration {
	d, _ := parseDuration("teardown.drain_timeout", c.Teardown.DrainTimeout)
	return d
}

func (c Config) KillGrace() time.Duration {
	d, _ := parseDuration("teardown.kill_grace", c.Teardown.KillGrace)
	return d
}

func parseDuration(field string, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}

// RenderArgs substitutes {workflow}, {issue} and {run_id} placeholders.
func RenderArgs(args []string, workflow string, issue string, runID string) []string {
	replacer := strings.NewReplacer("{workflow}", workflow, "{issue}", issue, "{run_id}", runID)
	out := make([]string, 0, len(args))
	for _, arg := range args {
		out = append(out, replacer.Replace(arg))
	}
	return out
}
