package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine serves canned candidates and records which ids were driven.
type stubEngine struct {
	mu       sync.Mutex
	due      []string
	expired  []string
	results  map[string]error
	visited  []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *stubEngine) DueForRelease(context.Context, time.Time, int) ([]string, error) {
	return s.due, nil
}

func (s *stubEngine) ExpiredPending(context.Context, time.Time, int) ([]string, error) {
	return s.expired, nil
}

func (s *stubEngine) AutoRelease(_ context.Context, id string, _ time.Time) (bool, error) {
	return s.visit(id)
}

func (s *stubEngine) ExpirePending(_ context.Context, id string, _ time.Time) (bool, error) {
	return s.visit(id)
}

func (s *stubEngine) visit(id string) (bool, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.visited = append(s.visited, id)
	err, ok := s.results[id]
	s.mu.Unlock()
	if !ok {
		return true, nil
	}
	return false, err
}

func TestSweep_CountsOnlyOwnReleases(t *testing.T) {
	eng := &stubEngine{
		due: []string{"a", "b", "c", "d", "e", "f"},
		results: map[string]error{
			"b": nil, // completed by someone else
			"c": escrow.ErrConcurrentModification,
			"d": &escrow.TransitionError{Action: escrow.ActionAutoRelease, Status: escrow.StatusDisputed},
			"e": errors.New("connection reset"),
		},
	}
	s := NewScheduler(eng, discardLogger(), Options{Concurrency: 2})

	n, err := s.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("released = %d, want 2", n)
	}
	if len(eng.visited) != 6 {
		t.Fatalf("expected every candidate visited, got %v", eng.visited)
	}
	if eng.peak.Load() > 2 {
		t.Fatalf("concurrency limit exceeded: %d", eng.peak.Load())
	}
}

// queueEngine lists the first limit ids still due, so a sweep pages through
// the backlog the way the stores do.
type queueEngine struct {
	mu      sync.Mutex
	due     []string
	failing map[string]bool
	lists   int
}

func (q *queueEngine) DueForRelease(_ context.Context, _ time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists++
	n := min(limit, len(q.due))
	return append([]string(nil), q.due[:n]...), nil
}

func (q *queueEngine) ExpiredPending(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

func (q *queueEngine) AutoRelease(_ context.Context, id string, _ time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing[id] {
		return false, errors.New("gateway timeout")
	}
	for i, d := range q.due {
		if d == id {
			q.due = append(q.due[:i], q.due[i+1:]...)
			break
		}
	}
	return true, nil
}

func (q *queueEngine) ExpirePending(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func TestSweep_DrainsBacklogPastOneBatch(t *testing.T) {
	eng := &queueEngine{
		due:     []string{"a", "b", "c", "d", "e", "f", "g"},
		failing: map[string]bool{"a": true},
	}
	s := NewScheduler(eng, discardLogger(), Options{Batch: 3, Concurrency: 2})

	n, err := s.Sweep(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 6 {
		t.Fatalf("released = %d, want 6", n)
	}
	if len(eng.due) != 1 || eng.due[0] != "a" {
		t.Fatalf("remaining = %v, want [a]", eng.due)
	}
}

func TestSweep_StopsWhenFullBatchMakesNoProgress(t *testing.T) {
	eng := &queueEngine{
		due:     []string{"a", "b", "c"},
		failing: map[string]bool{"a": true, "b": true, "c": true},
	}
	s := NewScheduler(eng, discardLogger(), Options{Batch: 3})

	n, err := s.Sweep(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if eng.lists != 1 {
		t.Fatalf("listed %d times, want 1", eng.lists)
	}
}

func TestExpire_UsesExpiredCandidates(t *testing.T) {
	eng := &stubEngine{expired: []string{"p1", "p2"}}
	s := NewScheduler(eng, discardLogger(), Options{})
	n, err := s.Expire(context.Background(), time.Now())
	if err != nil || n != 2 {
		t.Fatalf("expire = %d, %v", n, err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	eng := &stubEngine{due: []string{"a"}}
	s := NewScheduler(eng, discardLogger(), Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		eng.mu.Lock()
		n := len(eng.visited)
		eng.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler never ticked")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

// TestSweep_ReleasesDueTransactionOnce drives a real engine: a DELIVERED
// transaction past its window completes, emits one status change, and a
// second concurrent sweep does not release it again.
func TestSweep_ReleasesDueTransactionOnce(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	var transfers atomic.Int32
	settler := settlement.NewService(store.Ledger(), settlement.GatewayFunc(func(context.Context, settlement.Entry) error {
		transfers.Add(1)
		return nil
	}), discardLogger())
	engine, err := escrow.NewEngine(store, settler, discardLogger(), escrow.Options{
		FeePolicy: fee.Policy{
			Percent:   decimal.RequireFromString("3.5"),
			MinFee:    decimal.NewFromInt(10),
			MaxFee:    decimal.NewFromInt(5000),
			MinAmount: decimal.NewFromInt(1),
			Scale:     2,
		},
		AutoReleaseAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	seller, buyer := auth.User("s"), auth.User("b")
	tx, err := engine.Create(ctx, seller, escrow.CreateParams{Title: "Bike", Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Join(ctx, buyer, *tx.InviteCode); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := engine.SubmitPaymentSlip(ctx, buyer, tx.ID, payment.SlipInput{
		ImageURL:      "https://cdn.example.com/s.png",
		Amount:        decimal.NewFromInt(500),
		PaymentMethod: "bank_transfer",
		TransferDate:  time.Now(),
	}); err != nil {
		t.Fatalf("slip: %v", err)
	}
	delivered, err := engine.MarkDelivered(ctx, seller, tx.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	before := len(store.Events())

	s := NewScheduler(engine, discardLogger(), Options{Concurrency: 4})
	now := delivered.AutoReleaseAt.Add(time.Second)

	if n, err := s.Sweep(ctx, delivered.AutoReleaseAt.Add(-time.Second)); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	var total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Sweep(ctx, now)
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if total.Load() != 1 {
		t.Fatalf("released %d times, want 1", total.Load())
	}
	got, err := store.Get(ctx, tx.ID)
	if err != nil || got.Status != escrow.StatusCompleted {
		t.Fatalf("status = %s, %v", got.Status, err)
	}
	events := store.Events()[before:]
	if len(events) != 1 || events[0].Topic != outbox.TopicTransactionStatusChanged || events[0].Payload["to"] != string(escrow.StatusCompleted) {
		t.Fatalf("expected one status_changed event, got %+v", events)
	}
	if transfers.Load() != 1 {
		t.Fatalf("expected one payout, got %d", transfers.Load())
	}
}
