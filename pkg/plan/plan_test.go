package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: "1.2.0"
currency: USD
payer: acct-123
budget_id: team-daily
policy: continue
input: "quarterly numbers"
tasks:
  - id: summarize
    name: Summarizer
    price: "0.50"
    recipient: agent-summarizer
    executor: llm
    instructions: "Summarize the input."
  - id: translate
    price: "2.00"
    recipient: agent-translator
  - id: review
    price: "0.30"
    recipient: agent-reviewer
    executor: wasm
    module: review.wasm
`

func TestParse_YAML(t *testing.T) {
	p, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "acct-123", p.Payer)
	assert.Equal(t, "continue", p.Policy)
	assert.Equal(t, "quarterly numbers", p.Input)

	specs := p.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "summarize", specs[0].ID)
	assert.Equal(t, "Summarizer", specs[0].DisplayName)
	assert.Equal(t, "llm", specs[0].Executor)
	assert.Equal(t, finance.MustParseMoney("2.00", "USD"), specs[1].Price)
	assert.Equal(t, "review.wasm", specs[2].Module)
	assert.Equal(t, finance.MustParseMoney("2.80", "USD"), p.Total())
}

func TestParse_JSON(t *testing.T) {
	p, err := Parse([]byte(`{"version":"1.0.0","currency":"EUR","tasks":[{"id":"a","price":"1","recipient":"r"}]}`))
	require.NoError(t, err)
	assert.Equal(t, finance.NewMoney(100, "EUR"), p.Specs()[0].Price)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"float price": `
version: "1.0.0"
currency: USD
tasks:
  - {id: a, price: 0.50, recipient: r}`,
		"excess precision": `
version: "1.0.0"
currency: USD
tasks:
  - {id: a, price: "0.505", recipient: r}`,
		"unsupported version": `
version: "2.0.0"
currency: USD
tasks:
  - {id: a, price: "1", recipient: r}`,
		"bad version": `
version: "latest"
currency: USD
tasks:
  - {id: a, price: "1", recipient: r}`,
		"no tasks": `
version: "1.0.0"
currency: USD
tasks: []`,
		"unknown field": `
version: "1.0.0"
currency: USD
fx_rate: 1.1
tasks:
  - {id: a, price: "1", recipient: r}`,
		"missing recipient": `
version: "1.0.0"
currency: USD
tasks:
  - {id: a, price: "1"}`,
		"duplicate ids": `
version: "1.0.0"
currency: USD
tasks:
  - {id: a, price: "1", recipient: r}
  - {id: a, price: "1", recipient: r}`,
		"bad policy": `
version: "1.0.0"
currency: USD
policy: maybe
tasks:
  - {id: a, price: "1", recipient: r}`,
		"not yaml": `{{{`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Specs(), 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
