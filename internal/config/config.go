// Package config loads and validates the runtime configuration for a
// saiverse instance: model credentials, per-playbook tool permissions, and
// the engine-wide tunables (queue depth, recursion limit, token budgets).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/maha0525/saiverse/internal/errs"
)

// ModelProvider identifies an LLM backend.
type ModelProvider string

const (
	ModelProviderAnthropic ModelProvider = "anthropic"
	ModelProviderOpenAI    ModelProvider = "openai"
	ModelProviderGemini    ModelProvider = "gemini"
)

// ModelConfig configures a single named LLM endpoint. Playbooks reference a
// model by Name; several personas may share one entry.
type ModelConfig struct {
	Name        string        `yaml:"name" jsonschema:"title=Name,description=Identifier referenced by playbooks"`
	Provider    ModelProvider `yaml:"provider" jsonschema:"title=Provider,enum=anthropic,enum=openai,enum=gemini"`
	Model       string        `yaml:"model" jsonschema:"title=Model,description=Provider-specific model identifier"`
	APIKey      string        `yaml:"api_key,omitempty" jsonschema:"title=API Key,description=Supports ${ENV_VAR} expansion"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty" jsonschema:"minimum=0,maximum=2,default=0.7"`
	MaxTokens   int           `yaml:"max_tokens,omitempty" jsonschema:"minimum=1,default=4096"`

	// ContextWindow is the model's total context length in tokens, used by
	// the context builder's budget check (0 disables the check).
	ContextWindow int `yaml:"context_window,omitempty" jsonschema:"default=200000"`

	// InputCostPer1M and OutputCostPer1M price usage in USD per million
	// tokens, consumed by the usage tracker's cost accounting.
	InputCostPer1M  float64 `yaml:"input_cost_per_1m,omitempty"`
	OutputCostPer1M float64 `yaml:"output_cost_per_1m,omitempty"`
}

func (c *ModelConfig) setDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == nil {
		t := 0.7
		c.Temperature = &t
	}
}

func (c *ModelConfig) validate() error {
	if c.Name == "" {
		return &errs.Validation{Field: "models[].name", Reason: "must not be empty"}
	}
	if c.Model == "" {
		return &errs.Validation{Field: fmt.Sprintf("models[%s].model", c.Name), Reason: "must not be empty"}
	}
	switch c.Provider {
	case ModelProviderAnthropic, ModelProviderOpenAI, ModelProviderGemini:
	default:
		return &errs.Validation{Field: fmt.Sprintf("models[%s].provider", c.Name), Reason: "unknown provider " + string(c.Provider)}
	}
	return nil
}

// PermissionLevel is one of the four tool-approval tiers from the playbook
// permission model.
type PermissionLevel string

const (
	PermissionBlocked       PermissionLevel = "blocked"
	PermissionAskEveryTime  PermissionLevel = "ask_every_time"
	PermissionUserOnly      PermissionLevel = "user_only"
	PermissionAutoAllow     PermissionLevel = "auto_allow"
	defaultPermissionTimeout                = 120 // seconds
)

// PlaybookPermissions maps tool names to a permission level for one
// playbook. "*" is the wildcard default applied when a tool has no explicit
// entry.
type PlaybookPermissions struct {
	Playbook       string                     `yaml:"playbook"`
	Tools          map[string]PermissionLevel `yaml:"tools"`
	ApprovalTimout int                        `yaml:"approval_timeout_seconds,omitempty"`
}

func (p *PlaybookPermissions) setDefaults() {
	if p.ApprovalTimout == 0 {
		p.ApprovalTimout = defaultPermissionTimeout
	}
	if p.Tools == nil {
		p.Tools = map[string]PermissionLevel{"*": PermissionAskEveryTime}
	}
}

// LevelFor resolves the permission level for a tool name, falling back to
// the "*" wildcard and finally to ask_every_time.
func (p *PlaybookPermissions) LevelFor(tool string) PermissionLevel {
	if lvl, ok := p.Tools[tool]; ok {
		return lvl
	}
	if lvl, ok := p.Tools["*"]; ok {
		return lvl
	}
	return PermissionAskEveryTime
}

// RuntimeConfig holds the engine-wide tunables that are not specific to any
// one model or playbook.
type RuntimeConfig struct {
	// QueueBound caps the number of queued pulse requests per persona lane.
	QueueBound int `yaml:"queue_bound,omitempty" jsonschema:"default=10"`

	// RecursionLimit caps how many times any one node may be visited in a
	// single playbook execution before the graph executor aborts it.
	RecursionLimit int `yaml:"recursion_limit,omitempty" jsonschema:"default=1000"`

	// TokenBudgetThreshold is the fraction of the model's context window
	// above which a context build counts as approaching the limit. The
	// context builder does not read this field; it uses
	// contextbuild.Request.BudgetThreshold (0.85 when unset), and crossing
	// that fraction only adds a context_approaching_limit warning.
	TokenBudgetThreshold float64 `yaml:"token_budget_threshold,omitempty" jsonschema:"default=0.85"`

	DataDir string `yaml:"data_dir,omitempty" jsonschema:"default=./data"`
}

func (r *RuntimeConfig) setDefaults() {
	if r.QueueBound == 0 {
		r.QueueBound = 10
	}
	if r.RecursionLimit == 0 {
		r.RecursionLimit = 1000
	}
	if r.TokenBudgetThreshold == 0 {
		r.TokenBudgetThreshold = 0.85
	}
	if r.DataDir == "" {
		r.DataDir = "./data"
	}
}

func (r *RuntimeConfig) validate() error {
	if r.RecursionLimit <= 0 {
		return &errs.Validation{Field: "runtime.recursion_limit", Reason: "must be positive"}
	}
	return nil
}

// MCPServer describes one external tool server reachable over the MCP
// protocol, keyed by Name and referenced from playbooks as "name__tool".
type MCPServer struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport" jsonschema:"enum=stdio,enum=sse,enum=streamable_http"`
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	URL       string   `yaml:"url,omitempty"`
}

// PersonaConfig statically declares one persona the engine should run a
// pulse lane for. Persona/building/city creation workflows themselves are
// out of scope (see SPEC_FULL.md Non-goals); this is just enough to bind a
// persona id to the models and building it runs against.
type PersonaConfig struct {
	ID               string `yaml:"id" jsonschema:"title=Persona ID"`
	Name             string `yaml:"name"`
	BuildingID       string `yaml:"building_id"`
	Model            string `yaml:"model" jsonschema:"description=Name of a models[] entry used for normal-weight turns"`
	LightModel       string `yaml:"light_model,omitempty" jsonschema:"description=Name of a models[] entry used for light/background turns"`
	ChronicleEnabled bool   `yaml:"chronicle_enabled,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Models      []ModelConfig         `yaml:"models"`
	Personas    []PersonaConfig       `yaml:"personas,omitempty"`
	Permissions []PlaybookPermissions `yaml:"permissions"`
	Runtime     RuntimeConfig         `yaml:"runtime"`
	MCPServers  []MCPServer           `yaml:"mcp_servers,omitempty"`
	Logging     LoggingConfig         `yaml:"logging,omitempty"`
}

// LoggingConfig configures internal/obslog.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" jsonschema:"default=info"`
	JSON  bool   `yaml:"json,omitempty"`
}

// SetDefaults fills in zero-valued fields across the document.
func (c *Config) SetDefaults() {
	c.Runtime.setDefaults()
	for i := range c.Models {
		c.Models[i].setDefaults()
	}
	for i := range c.Permissions {
		c.Permissions[i].setDefaults()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the document for internal consistency.
func (c *Config) Validate() error {
	if err := c.Runtime.validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Models))
	for i := range c.Models {
		if err := c.Models[i].validate(); err != nil {
			return err
		}
		if seen[c.Models[i].Name] {
			return &errs.Validation{Field: "models", Reason: "duplicate name " + c.Models[i].Name}
		}
		seen[c.Models[i].Name] = true
	}
	for i := range c.Personas {
		p := &c.Personas[i]
		if p.ID == "" {
			return &errs.Validation{Field: "personas[].id", Reason: "must not be empty"}
		}
		if p.Model != "" && c.ModelByName(p.Model) == nil {
			return &errs.Validation{Field: fmt.Sprintf("personas[%s].model", p.ID), Reason: "references unknown model " + p.Model}
		}
		if p.LightModel != "" && c.ModelByName(p.LightModel) == nil {
			return &errs.Validation{Field: fmt.Sprintf("personas[%s].light_model", p.ID), Reason: "references unknown model " + p.LightModel}
		}
	}
	for _, srv := range c.MCPServers {
		if srv.Name == "" {
			return &errs.Validation{Field: "mcp_servers[].name", Reason: "must not be empty"}
		}
		if srv.Transport == "stdio" && srv.Command == "" {
			return &errs.Validation{Field: "mcp_servers[" + srv.Name + "].command", Reason: "required for stdio transport"}
		}
		if srv.Transport != "stdio" && srv.URL == "" {
			return &errs.Validation{Field: "mcp_servers[" + srv.Name + "].url", Reason: "required for network transports"}
		}
	}
	return nil
}

// ModelByName finds a configured model, or nil.
func (c *Config) ModelByName(name string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

// PersonaByID finds a configured persona, or nil.
func (c *Config) PersonaByID(id string) *PersonaConfig {
	for i := range c.Personas {
		if c.Personas[i].ID == id {
			return &c.Personas[i]
		}
	}
	return nil
}

// PermissionsFor returns the permission set for a playbook, or a
// conservative all-ask default when none is configured.
func (c *Config) PermissionsFor(playbook string) *PlaybookPermissions {
	for i := range c.Permissions {
		if c.Permissions[i].Playbook == playbook {
			return &c.Permissions[i]
		}
	}
	p := &PlaybookPermissions{Playbook: playbook}
	p.setDefaults()
	return p
}

// Load reads a YAML document from path, expands ${VAR} references against
// the process environment, decodes it via mapstructure, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	raw = expandEnvVars(raw)

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Schema reflects Config's jsonschema struct tags into a JSON Schema
// document, used by the `saiverse schema` CLI subcommand so editors
// can validate a config.yaml before it reaches Load.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	return r.Reflect(&Config{})
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(m string) string {
			inner := m[2 : len(m)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if env := os.Getenv(inner[:idx]); env != "" {
					return env
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		})
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}
