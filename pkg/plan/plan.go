// Package plan loads task plans: the YAML or JSON files that describe one run.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/task"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the plan format range this build understands.
const SupportedVersions = "^1.0"

// ErrInvalidPlan wraps every plan loading failure.
var ErrInvalidPlan = errors.New("plan: invalid plan")

//go:embed plan.schema.json
var schemaJSON string

const schemaURL = "https://escrow.schemas.local/plan.schema.json"

var (
	compiled   *jsonschema.Schema
	constraint *semver.Constraints
)

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("plan schema load failed: %v", err))
	}
	compiled = c.MustCompile(schemaURL)
	constraint = mustConstraint(SupportedVersions)
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Plan is a parsed plan file.
type Plan struct {
	Version  string      `yaml:"version" json:"version"`
	Currency string      `yaml:"currency" json:"currency"`
	Payer    string      `yaml:"payer,omitempty" json:"payer,omitempty"`
	BudgetID string      `yaml:"budget_id,omitempty" json:"budget_id,omitempty"`
	Policy   string      `yaml:"policy,omitempty" json:"policy,omitempty"`
	Input    string      `yaml:"input,omitempty" json:"input,omitempty"`
	Tasks    []TaskEntry `yaml:"tasks" json:"tasks"`

	specs []task.Spec
}

// TaskEntry is one task as written in the file. Price is a decimal string.
type TaskEntry struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	Price        string `yaml:"price" json:"price"`
	Recipient    string `yaml:"recipient" json:"recipient"`
	Executor     string `yaml:"executor,omitempty" json:"executor,omitempty"`
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Module       string `yaml:"module,omitempty" json:"module,omitempty"`
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates data against the plan schema and version range, then
// builds the ordered task specs with exact prices.
func Parse(data []byte) (*Plan, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidPlan, p.Version, err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("%w: version %s not in %s", ErrInvalidPlan, v, SupportedVersions)
	}

	specs := make([]task.Spec, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		price, err := finance.ParseMoney(t.Price, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: task %s: %v", ErrInvalidPlan, t.ID, err)
		}
		specs = append(specs, task.Spec{
			ID:           t.ID,
			DisplayName:  t.Name,
			Price:        price,
			Recipient:    t.Recipient,
			Executor:     t.Executor,
			Instructions: t.Instructions,
			Module:       t.Module,
		}.Normalize())
	}
	if _, err := task.Total(specs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	p.specs = specs
	return &p, nil
}

// Specs returns the ordered task specs.
func (p *Plan) Specs() []task.Spec {
	return append([]task.Spec(nil), p.specs...)
}

// Total returns the sum of all task prices.
func (p *Plan) Total() finance.Money {
	total, _ := task.Total(p.specs)
	return total
}
