package escrow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
)

func usd(s string) finance.Money { return finance.MustParseMoney(s, "USD") }

func fixedLedger(t *testing.T, total string) *Ledger {
	t.Helper()
	l, err := Open("lock-1", usd(total))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	return l.
		WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }).
		WithIDs(func() string { n++; return fmt.Sprintf("rcpt-%d", n) })
}

func TestOpenRejectsNonPositive(t *testing.T) {
	for _, total := range []string{"0", "-1.00"} {
		if _, err := Open("lock", usd(total)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Open(%s): expected ErrInvalidAmount, got %v", total, err)
		}
	}
}

func TestOpenRejectsScaleForeignToCurrency(t *testing.T) {
	// 280 minor units reported without a scale.
	total := finance.Money{AmountMinor: 280, Currency: "USD"}
	if _, err := Open("lock", total); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestOpenNormalizesCurrencyCase(t *testing.T) {
	l, err := Open("lock", finance.Money{AmountMinor: 280, Currency: "usd", Scale: 2})
	if err != nil {
		t.Fatal(err)
	}
	if l.Total() != usd("2.80") {
		t.Fatalf("total = %#v", l.Total())
	}
	if _, err := l.Settle("t", usd("0.50"), "r", ""); err != nil {
		t.Fatal(err)
	}
	if got := l.Remaining(); got != usd("2.30") {
		t.Fatalf("remaining = %s, want 2.30 USD", got)
	}
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestFitsRejectsForeignScale(t *testing.T) {
	l := fixedLedger(t, "2.80")
	err := l.Fits(finance.Money{AmountMinor: 5, Currency: "USD", Scale: 0})
	if !errors.Is(err, finance.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
	if !l.Settled().IsZero() || len(l.Receipts()) != 0 {
		t.Fatal("a rejected amount must not touch the ledger")
	}
}

func TestSettleUpdatesBalance(t *testing.T) {
	l := fixedLedger(t, "2.80")

	r, err := l.Settle("t1", usd("0.50"), "agent-a", "rel-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Sequence != 1 || r.TaskID != "t1" || r.PrevHash != "genesis" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if l.Settled() != usd("0.50") {
		t.Fatalf("expected settled 0.50, got %s", l.Settled())
	}
	if l.Remaining() != usd("2.30") {
		t.Fatalf("expected remaining 2.30, got %s", l.Remaining())
	}
	if l.Head() != r.ContentHash {
		t.Fatal("head should follow the latest receipt")
	}
}

func TestSettleOverCommitIsAllOrNothing(t *testing.T) {
	l := fixedLedger(t, "2.00")
	if _, err := l.Settle("t1", usd("0.50"), "a", ""); err != nil {
		t.Fatal(err)
	}
	head := l.Head()

	_, err := l.Settle("t2", usd("2.00"), "b", "")
	if !errors.Is(err, ErrOverCommit) {
		t.Fatalf("expected ErrOverCommit, got %v", err)
	}
	if l.Settled() != usd("0.50") || len(l.Receipts()) != 1 || l.Head() != head {
		t.Fatal("failed settle must not change ledger state")
	}
}

func TestSettleExactTotal(t *testing.T) {
	l := fixedLedger(t, "2.80")
	for i, p := range []string{"0.50", "2.00", "0.30"} {
		if _, err := l.Settle(fmt.Sprintf("t%d", i), usd(p), "r", ""); err != nil {
			t.Fatalf("settle %s: %v", p, err)
		}
	}
	if !l.Remaining().IsZero() {
		t.Fatalf("expected zero remaining, got %s", l.Remaining())
	}
	if err := l.Fits(usd("0.01")); !errors.Is(err, ErrOverCommit) {
		t.Fatalf("expected over-commit for one more cent, got %v", err)
	}
}

func TestSettleRejectsNegativeAndForeignCurrency(t *testing.T) {
	l := fixedLedger(t, "1.00")
	if _, err := l.Settle("t", usd("-0.10"), "r", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Settle("t", finance.NewMoney(10, "EUR"), "r", ""); !errors.Is(err, finance.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
}

func TestCloseReturnsRemainderOnce(t *testing.T) {
	l := fixedLedger(t, "2.80")
	if _, err := l.Settle("t1", usd("0.50"), "a", ""); err != nil {
		t.Fatal(err)
	}

	refund, err := l.Close()
	if err != nil {
		t.Fatal(err)
	}
	if refund != usd("2.30") {
		t.Fatalf("expected refund 2.30, got %s", refund)
	}

	if _, err := l.Close(); !errors.Is(err, ErrLedgerClosed) {
		t.Fatalf("second Close: expected ErrLedgerClosed, got %v", err)
	}
	if _, err := l.Settle("t2", usd("0.10"), "b", ""); !errors.Is(err, ErrLedgerClosed) {
		t.Fatalf("settle after close: expected ErrLedgerClosed, got %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := fixedLedger(t, "5.00")
	l.Settle("t1", usd("1.00"), "a", "rel-1")
	l.Settle("t2", usd("2.00"), "b", "rel-2")

	if err := l.Verify(); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}

	receipts := l.Receipts()
	receipts[1].Amount = usd("0.01")
	if err := VerifyReceipts(receipts); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestReceiptsAreCopies(t *testing.T) {
	l := fixedLedger(t, "1.00")
	l.Settle("t1", usd("0.10"), "a", "")
	got := l.Receipts()
	got[0].TaskID = "mutated"
	if l.Receipts()[0].TaskID != "t1" {
		t.Fatal("Receipts must not expose internal state")
	}
}

func TestDeterministicHash(t *testing.T) {
	l1 := fixedLedger(t, "1.00")
	l2 := fixedLedger(t, "1.00")
	r1, _ := l1.Settle("t1", usd("0.25"), "a", "x")
	r2, _ := l2.Settle("t1", usd("0.25"), "a", "x")
	if r1.ContentHash != r2.ContentHash {
		t.Fatal("same input should produce same hash")
	}
}
