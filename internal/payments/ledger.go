package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/homeward-matching/internal/models"
)

// LedgerEntry is one money movement recorded by the in-memory wallet.
type LedgerEntry struct {
	Kind    string // hold, capture, refund, payout
	Party   string // rider or driver id, or hold ref
	Amount  models.Cents
	Memo    string
	Ref     string
	HoldRef string
}

// MemoryLedger is a wallet for tests and local runs. It records every call
// so tests can assert exactly what was paid, refunded and held.
type MemoryLedger struct {
	mu      sync.Mutex
	seq     int
	entries []LedgerEntry

	FailPayout  bool // force PayoutDriver errors
	FailCapture bool // force CaptureHold errors
}

func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) nextRef(prefix string) string {
	l.seq++
	return fmt.Sprintf("%s_%06d", prefix, l.seq)
}

func (l *MemoryLedger) HoldFunds(_ context.Context, riderID string, amount models.Cents, _ string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := l.nextRef("hold")
	l.entries = append(l.entries, LedgerEntry{Kind: "hold", Party: riderID, Amount: amount, Ref: ref})
	return ref, nil
}

func (l *MemoryLedger) CaptureHold(_ context.Context, holdRef string, amount models.Cents) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailCapture {
		return fmt.Errorf("capture of %s declined", holdRef)
	}
	l.entries = append(l.entries, LedgerEntry{Kind: "capture", Amount: amount, HoldRef: holdRef})
	return nil
}

func (l *MemoryLedger) RefundRider(_ context.Context, holdRef string, amount models.Cents, memo string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := l.nextRef("re")
	l.entries = append(l.entries, LedgerEntry{Kind: "refund", Amount: amount, Memo: memo, Ref: ref, HoldRef: holdRef})
	return ref, nil
}

func (l *MemoryLedger) PayoutDriver(_ context.Context, driverID string, amount models.Cents, memo string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailPayout {
		return "", fmt.Errorf("payout to %s declined", driverID)
	}
	ref := l.nextRef("po")
	l.entries = append(l.entries, LedgerEntry{Kind: "payout", Party: driverID, Amount: amount, Memo: memo, Ref: ref})
	return ref, nil
}

// Entries returns a copy of everything recorded so far.
func (l *MemoryLedger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// TotalByKind sums recorded amounts for one kind of movement.
func (l *MemoryLedger) TotalByKind(kind string) models.Cents {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum models.Cents
	for _, e := range l.entries {
		if e.Kind == kind {
			sum += e.Amount
		}
	}
	return sum
}

// CountByKind counts recorded movements of one kind.
func (l *MemoryLedger) CountByKind(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
