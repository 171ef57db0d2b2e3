// Package config loads diligent.jsonc from three layers — a global user
// file, a project file, and environment variables — merging them into a
// single resolved Config. Layers are JSON5/JSONC, decoded strictly: an
// unknown top-level key rejects that layer outright.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/mitchellh/mapstructure"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/nevindra/diligent"
)

// ProviderConfig holds one vendor's credentials.
type ProviderConfig struct {
	APIKey  string `mapstructure:"apiKey"`
	BaseURL string `mapstructure:"baseUrl"`
}

// SessionConfig controls session-lifecycle behavior.
type SessionConfig struct {
	AutoResume bool `mapstructure:"autoResume"`
}

// KnowledgeConfig controls the knowledge-nudge feature's budget.
type KnowledgeConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	NudgeInterval   int  `mapstructure:"nudgeInterval"`
	InjectionBudget int  `mapstructure:"injectionBudget"`
}

// CompactionConfig controls the compaction trigger thresholds.
type CompactionConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	ReserveTokens    int  `mapstructure:"reserveTokens"`
	KeepRecentTokens int  `mapstructure:"keepRecentTokens"`
}

// SkillsConfig controls skill discovery.
type SkillsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Paths   []string `mapstructure:"paths"`
}

// Config is the fully merged, resolved configuration.
type Config struct {
	Model        string                    `mapstructure:"model"`
	Provider     map[string]ProviderConfig `mapstructure:"provider"`
	MaxTurns     int                       `mapstructure:"maxTurns"`
	MaxRetries   int                       `mapstructure:"maxRetries"`
	SystemPrompt string                    `mapstructure:"systemPrompt"`
	Instructions []string                  `mapstructure:"instructions"`
	Session      SessionConfig             `mapstructure:"session"`
	Knowledge    KnowledgeConfig           `mapstructure:"knowledge"`
	Compaction   CompactionConfig          `mapstructure:"compaction"`
	Skills       SkillsConfig              `mapstructure:"skills"`
	Mode         diligent.Mode             `mapstructure:"mode"`
}

// Default returns the baseline configuration applied before any layer is
// merged in.
func Default() Config {
	return Config{
		Model:      "claude-sonnet-4-5",
		MaxTurns:   50,
		MaxRetries: 3,
		Session:    SessionConfig{AutoResume: true},
		Knowledge:  KnowledgeConfig{Enabled: true, NudgeInterval: 10, InjectionBudget: 2000},
		Compaction: CompactionConfig{Enabled: true, ReserveTokens: 20_000, KeepRecentTokens: 10_000},
		Skills:     SkillsConfig{Enabled: true},
		Mode:       diligent.ModeDefault,
	}
}

// GlobalPath returns the global user config path, "~/.diligent/diligent.jsonc".
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".diligent", "diligent.jsonc"), nil
}

// ProjectPath returns the project-level config path under projectDir.
func ProjectPath(projectDir string) string {
	return filepath.Join(projectDir, ".diligent", "diligent.jsonc")
}

// Load merges Default() with the global file, then the project file, then
// environment variables, in that order — later layers win. A layer file
// that doesn't exist is skipped; one that exists but contains an unknown
// top-level key is a hard error (strict mode).
func Load(projectDir string) (Config, error) {
	cfg := Default()

	globalPath, err := GlobalPath()
	if err != nil {
		return Config{}, err
	}
	if err := mergeFile(&cfg, globalPath); err != nil {
		return Config{}, fmt.Errorf("config: global layer: %w", err)
	}
	if err := mergeFile(&cfg, ProjectPath(projectDir)); err != nil {
		return Config{}, fmt.Errorf("config: project layer: %w", err)
	}
	applyEnv(&cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	substituteEnvTemplates(raw)

	priorInstructions := cfg.Instructions
	cfg.Instructions = nil

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.Instructions = dedupConcat(priorInstructions, cfg.Instructions)
	return nil
}

func dedupConcat(prior, incoming []string) []string {
	seen := make(map[string]bool, len(prior)+len(incoming))
	out := make([]string, 0, len(prior)+len(incoming))
	for _, s := range append(append([]string{}, prior...), incoming...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var envTemplate = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnvTemplates walks raw in place, replacing `{env:VAR}` in any
// string value with the named environment variable (empty if unset).
func substituteEnvTemplates(node any) {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			v[k] = substituteEnvValue(val)
		}
	case []any:
		for i, val := range v {
			v[i] = substituteEnvValue(val)
		}
	}
}

func substituteEnvValue(val any) any {
	switch v := val.(type) {
	case string:
		return envTemplate.ReplaceAllStringFunc(v, func(m string) string {
			name := envTemplate.FindStringSubmatch(m)[1]
			return os.Getenv(name)
		})
	case map[string]any:
		substituteEnvTemplates(v)
		return v
	case []any:
		substituteEnvTemplates(v)
		return v
	default:
		return val
	}
}

// applyEnv layers ANTHROPIC_API_KEY, OPENAI_API_KEY, and DILIGENT_MODEL
// on top, per spec's environment mapping table — the highest-priority
// layer.
func applyEnv(cfg *Config) {
	if cfg.Provider == nil {
		cfg.Provider = map[string]ProviderConfig{}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p := cfg.Provider["anthropic"]
		p.APIKey = key
		cfg.Provider["anthropic"] = p
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := cfg.Provider["openai"]
		p.APIKey = key
		cfg.Provider["openai"] = p
	}
	if model := os.Getenv("DILIGENT_MODEL"); model != "" {
		cfg.Model = model
	}
}

