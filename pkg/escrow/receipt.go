package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/gowebpki/jcs"
)

// SettlementReceipt is the immutable record of one task settlement.
// Corrections are new compensating receipts, never edits.
type SettlementReceipt struct {
	ReceiptID         string        `json:"receipt_id"`
	LockID            string        `json:"lock_id"`
	Sequence          uint64        `json:"sequence"`
	TaskID            string        `json:"task_id"`
	Amount            finance.Money `json:"amount"`
	Recipient         string        `json:"recipient"`
	ExternalReference string        `json:"external_reference,omitempty"`
	SettledAt         time.Time     `json:"settled_at"`
	PrevHash          string        `json:"prev_hash"`
	ContentHash       string        `json:"content_hash"`
}

type receiptHashInput struct {
	Seq       uint64 `json:"seq"`
	ReceiptID string `json:"receipt_id"`
	LockID    string `json:"lock_id"`
	TaskID    string `json:"task_id"`
	Amount    int64  `json:"amount_minor"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	External  string `json:"external_reference"`
	SettledAt string `json:"settled_at"`
	PrevHash  string `json:"prev"`
}

// computeHash returns "sha256:<hex>" over the RFC 8785 canonical form of the receipt.
func (r SettlementReceipt) computeHash() (string, error) {
	raw, err := json.Marshal(receiptHashInput{
		Seq:       r.Sequence,
		ReceiptID: r.ReceiptID,
		LockID:    r.LockID,
		TaskID:    r.TaskID,
		Amount:    r.Amount.AmountMinor,
		Currency:  r.Amount.Currency,
		Recipient: r.Recipient,
		External:  r.ExternalReference,
		SettledAt: r.SettledAt.UTC().Format(time.RFC3339Nano),
		PrevHash:  r.PrevHash,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// VerifyReceipts checks sequence numbers, prev-hash links and content hashes.
func VerifyReceipts(receipts []SettlementReceipt) error {
	prevHash := genesisHash
	for i, r := range receipts {
		if r.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: receipt %d has sequence %d", ErrChainBroken, i+1, r.Sequence)
		}
		if r.PrevHash != prevHash {
			return fmt.Errorf("%w: receipt %d expected prev %s, got %s", ErrChainBroken, i+1, prevHash, r.PrevHash)
		}
		computed, err := r.computeHash()
		if err != nil {
			return fmt.Errorf("%w: receipt %d: %v", ErrChainBroken, i+1, err)
		}
		if computed != r.ContentHash {
			return fmt.Errorf("%w: hash mismatch at receipt %d", ErrChainBroken, i+1)
		}
		prevHash = r.ContentHash
	}
	return nil
}
