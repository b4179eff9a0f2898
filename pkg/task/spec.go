// Package task defines billable task definitions and the executors that run them.
package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidSpec is returned by Validate for a malformed task definition.
var ErrInvalidSpec = errors.New("task: invalid spec")

// Spec is one priced unit of work. Specs are caller supplied and never mutated.
type Spec struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"name"`
	Price       finance.Money `json:"price"`
	Recipient   string        `json:"recipient"`

	// Executor selects an executor in a Router. Empty means the default.
	Executor string `json:"executor,omitempty"`
	// Instructions is the system prompt for LLM executors.
	Instructions string `json:"instructions,omitempty"`
	// Module names the WASM module for WASM executors.
	Module string `json:"module,omitempty"`
}

// Normalize returns a copy with trimmed identifiers and an NFC recipient, so
// that visually identical recipient names compare equal.
func (s Spec) Normalize() Spec {
	s.ID = strings.TrimSpace(s.ID)
	s.Recipient = norm.NFC.String(strings.TrimSpace(s.Recipient))
	s.Executor = strings.TrimSpace(s.Executor)
	return s
}

// Validate checks a single spec in isolation.
func (s Spec) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidSpec)
	case s.Recipient == "":
		return fmt.Errorf("%w: task %s has no recipient", ErrInvalidSpec, s.ID)
	case !norm.NFC.IsNormalString(s.Recipient):
		return fmt.Errorf("%w: task %s recipient is not NFC normalized", ErrInvalidSpec, s.ID)
	case s.Price.Currency == "":
		return fmt.Errorf("%w: task %s has no currency", ErrInvalidSpec, s.ID)
	case s.Price.IsNegative():
		return fmt.Errorf("%w: task %s has negative price %s", ErrInvalidSpec, s.ID, s.Price)
	}
	return nil
}

// Total validates an ordered task list and returns the sum of its prices.
// All tasks must share one currency and have distinct IDs.
func Total(specs []Spec) (finance.Money, error) {
	if len(specs) == 0 {
		return finance.Money{}, fmt.Errorf("%w: no tasks", ErrInvalidSpec)
	}
	currency := specs[0].Price.Currency
	seen := make(map[string]struct{}, len(specs))
	total := finance.Zero(currency)
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return finance.Money{}, err
		}
		if _, dup := seen[s.ID]; dup {
			return finance.Money{}, fmt.Errorf("%w: duplicate task id %s", ErrInvalidSpec, s.ID)
		}
		seen[s.ID] = struct{}{}
		var err error
		if total, err = total.Add(s.Price); err != nil {
			return finance.Money{}, fmt.Errorf("%w: task %s: %v", ErrInvalidSpec, s.ID, err)
		}
	}
	return total, nil
}
