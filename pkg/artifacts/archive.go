package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// ErrTampered is returned when an archived report no longer matches its hash
// or its settlement receipts no longer chain.
var ErrTampered = errors.New("artifacts: archived report does not verify")

// Archive stores reports in their canonical JSON form, so the returned hash
// identifies the exact report content.
type Archive struct {
	store Store
}

func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// Put archives rep and returns its content hash.
func (a *Archive) Put(ctx context.Context, rep *report.Report) (string, error) {
	body, err := rep.Canonical()
	if err != nil {
		return "", fmt.Errorf("artifacts: canonicalize report %s: %w", rep.RunID, err)
	}
	return a.store.Put(ctx, body)
}

// Get loads a report by hash and verifies both the content hash and the
// receipt chain inside it.
func (a *Archive) Get(ctx context.Context, hash string) (*report.Report, error) {
	body, err := a.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got := ContentHash(body); got != hash {
		return nil, fmt.Errorf("%w: stored under %s, hashes to %s", ErrTampered, hash, got)
	}
	var rep report.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("artifacts: decode report %s: %w", hash, err)
	}
	if err := rep.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTampered, err)
	}
	return &rep, nil
}
