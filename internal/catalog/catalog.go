// Package catalog holds the model registry and the step policy table.
// Both are built once at startup and only read afterwards, so a Catalog is
// safe to share between concurrent runs.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"nelie/internal/core"
)

// Provider names understood by the router.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultModels returns the built-in price list.
func DefaultModels() []core.ModelSpec {
	return []core.ModelSpec{
		{Name: "gpt-4o-mini", Provider: ProviderOpenAI, InputPricePerMtok: 0.15, OutputPricePerMtok: 0.60, MaxOutputTokens: 16384},
		{Name: "gpt-4o", Provider: ProviderOpenAI, InputPricePerMtok: 2.50, OutputPricePerMtok: 10.00, MaxOutputTokens: 16384},
		{Name: "claude-3-5-haiku-latest", Provider: ProviderAnthropic, InputPricePerMtok: 0.80, OutputPricePerMtok: 4.00, MaxOutputTokens: 8192},
	}
}

// DefaultPolicies returns the built-in step policy table.
func DefaultPolicies() map[core.StepName]core.StepPolicy {
	return map[core.StepName]core.StepPolicy{
		core.StepHook:       {Priority: core.PriorityCritical, DefaultMaxTokens: 400},
		core.StepPhasePlan:  {Priority: core.PriorityCritical, DefaultMaxTokens: 800},
		core.StepNarrative:  {Priority: core.PriorityImportant, DefaultMaxTokens: 1200},
		core.StepQuiz:       {Priority: core.PriorityCritical, DefaultMaxTokens: 900},
		core.StepWriting:    {Priority: core.PriorityCritical, DefaultMaxTokens: 600},
		core.StepScenario:   {Priority: core.PriorityImportant, DefaultMaxTokens: 700},
		core.StepMinigame:   {Priority: core.PriorityOptional, DefaultMaxTokens: 500},
		core.StepImages:     {Priority: core.PriorityOptional, DefaultMaxTokens: 300},
		core.StepExit:       {Priority: core.PriorityImportant, DefaultMaxTokens: 400},
		core.StepValidator:  {Priority: core.PriorityCritical, DefaultMaxTokens: 300},
		core.StepEnrichment: {Priority: core.PriorityOptional, DefaultMaxTokens: 600},
	}
}

// Config is the input to New. Zero-valued fields fall back to the defaults.
type Config struct {
	Models       []core.ModelSpec
	DefaultModel string
	StepModels   map[core.StepName]string
	Policies     map[core.StepName]core.StepPolicy
	ImageModel   string
}

// Catalog resolves a step to its model and policy.
type Catalog struct {
	models     map[string]core.ModelSpec
	stepModels map[core.StepName]string
	policies   map[core.StepName]core.StepPolicy
	imageModel string
}

// New builds a Catalog and verifies every step with a policy resolves to a
// priced model.
func New(cfg Config) (*Catalog, error) {
	c := &Catalog{
		models:     make(map[string]core.ModelSpec),
		stepModels: make(map[core.StepName]string),
		policies:   make(map[core.StepName]core.StepPolicy),
		imageModel: cfg.ImageModel,
	}

	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels()
	}
	for _, m := range models {
		if m.Name == "" {
			return nil, core.NewConfigurationError("model entry without a name", nil)
		}
		if m.InputPricePerMtok < 0 || m.OutputPricePerMtok < 0 {
			return nil, core.NewConfigurationError(fmt.Sprintf("model %s has a negative price", m.Name), nil)
		}
		if m.Provider == "" {
			m.Provider = ProviderFor(m.Name)
		}
		c.models[m.Name] = m
	}

	policies := cfg.Policies
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	for step, p := range policies {
		if p.DefaultMaxTokens <= 0 {
			return nil, core.NewConfigurationError(fmt.Sprintf("step %s has non-positive max tokens", step), nil)
		}
		c.policies[step] = p
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = models[0].Name
	}
	for step := range c.policies {
		name := defaultModel
		if override, ok := cfg.StepModels[step]; ok && override != "" {
			name = override
		}
		if _, ok := c.models[name]; !ok {
			return nil, core.NewConfigurationError(fmt.Sprintf("step %s uses unknown model %q", step, name), nil)
		}
		c.stepModels[step] = name
	}
	for step := range cfg.StepModels {
		if _, ok := c.policies[step]; !ok {
			return nil, core.NewConfigurationError(fmt.Sprintf("model override for step %s without a policy", step), nil)
		}
	}

	return c, nil
}

// Model returns the model assigned to step.
func (c *Catalog) Model(step core.StepName) (core.ModelSpec, error) {
	name, ok := c.stepModels[step]
	if !ok {
		return core.ModelSpec{}, core.NewConfigurationError(fmt.Sprintf("no model for step %q", step), nil)
	}
	return c.models[name], nil
}

// Policy returns the admission policy of step.
func (c *Catalog) Policy(step core.StepName) (core.StepPolicy, error) {
	p, ok := c.policies[step]
	if !ok {
		return core.StepPolicy{}, core.NewConfigurationError(fmt.Sprintf("no policy for step %q", step), nil)
	}
	return p, nil
}

// Lookup returns the spec of a model by name.
func (c *Catalog) Lookup(model string) (core.ModelSpec, bool) {
	m, ok := c.models[model]
	return m, ok
}

// ImageModel returns the image model name, or "" when images are disabled.
func (c *Catalog) ImageModel() string {
	return c.imageModel
}

// ValidatePlan checks that every planned step resolves.
func (c *Catalog) ValidatePlan(plan []core.StepName) error {
	if len(plan) == 0 {
		return core.NewConfigurationError("empty step plan", nil)
	}
	for _, step := range plan {
		if _, err := c.Policy(step); err != nil {
			return err
		}
		if _, err := c.Model(step); err != nil {
			return err
		}
	}
	return nil
}

// Row is one line of the resolved plan table.
type Row struct {
	Step      core.StepName
	Priority  core.Priority
	MaxTokens int
	Model     core.ModelSpec
}

// Rows resolves each planned step. Unknown steps are skipped.
func (c *Catalog) Rows(plan []core.StepName) []Row {
	rows := make([]Row, 0, len(plan))
	for _, step := range plan {
		p, err := c.Policy(step)
		if err != nil {
			continue
		}
		m, err := c.Model(step)
		if err != nil {
			continue
		}
		rows = append(rows, Row{Step: step, Priority: p.Priority, MaxTokens: p.DefaultMaxTokens, Model: m})
	}
	return rows
}

// ModelNames returns the registered model names, sorted.
func (c *Catalog) ModelNames() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor guesses the provider from a model name.
func ProviderFor(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return ProviderAnthropic
	}
	return ProviderOpenAI
}
