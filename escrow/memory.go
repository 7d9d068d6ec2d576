package escrow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

// MemoryStore is a mutex-guarded Store for tests and local development. It
// enforces the same conditional-update contract as PGStore.
type MemoryStore struct {
	mu       sync.Mutex
	txs      map[string]Transaction
	slips    map[string]payment.Slip
	disputes map[string]dispute.Record
	events   []outbox.Event
	ledger   *settlement.MemoryLedger
	now      func() time.Time

	pub    outbox.Publisher
	logger *slog.Logger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]Transaction),
		slips:    make(map[string]payment.Slip),
		disputes: make(map[string]dispute.Record),
		ledger:   settlement.NewMemoryLedger(),
		now:      time.Now,
	}
}

// Ledger exposes the settlement entries recorded by committed changes.
func (m *MemoryStore) Ledger() *settlement.MemoryLedger {
	return m.ledger
}

// PublishTo hands committed events to pub after each change instead of
// retaining them. Delivery is best-effort: a failed publish is logged and
// dropped, since there is no durable outbox behind the memory store.
func (m *MemoryStore) PublishTo(pub outbox.Publisher, logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pub = pub
	m.logger = logger
}

// Events returns the committed domain events in commit order. It stays empty
// once PublishTo has been called.
func (m *MemoryStore) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]outbox.Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryStore) Insert(_ context.Context, t Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.ID]; ok {
		return ErrInvalidInput
	}
	if t.InviteCode != nil && m.codeTakenLocked(*t.InviteCode) {
		return ErrInviteCodeTaken
	}
	m.txs[t.ID] = t
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) GetByInviteCode(_ context.Context, code string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.InviteCode != nil && *t.InviteCode == code {
			return t, nil
		}
	}
	return Transaction{}, ErrNotFound
}

func (m *MemoryStore) InviteCodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeTakenLocked(code), nil
}

func (m *MemoryStore) codeTakenLocked(code string) bool {
	for _, t := range m.txs {
		if t.InviteCode != nil && *t.InviteCode == code {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Apply(ctx context.Context, c Change) (Transaction, error) {
	m.mu.Lock()
	out, err := m.applyLocked(c)
	pub, logger := m.pub, m.logger
	m.mu.Unlock()

	if err == nil && pub != nil {
		publish(ctx, pub, logger, c.Events)
	}
	return out, err
}

func publish(ctx context.Context, pub outbox.Publisher, logger *slog.Logger, events []outbox.Event) {
	for _, ev := range events {
		body, err := ev.Encode()
		if err == nil {
			err = pub.Publish(ctx, outbox.Message{
				ID:        uuid.NewString(),
				Topic:     ev.Topic,
				Payload:   body,
				Status:    outbox.StatusProcessed,
				Attempts:  1,
				CreatedAt: time.Now().UTC(),
			})
		}
		if err != nil && logger != nil {
			logger.Warn("escrow: dropped domain event", "topic", ev.Topic, "error", err)
		}
	}
}

func (m *MemoryStore) applyLocked(c Change) (Transaction, error) {
	cur, ok := m.txs[c.Next.ID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if cur.Status != c.Expected || cur.Version != c.Next.Version {
		return Transaction{}, ErrConcurrentModification
	}
	if c.Next.InviteCode != nil && (cur.InviteCode == nil || *cur.InviteCode != *c.Next.InviteCode) && m.codeTakenLocked(*c.Next.InviteCode) {
		return Transaction{}, ErrInviteCodeTaken
	}

	// Validate child writes before mutating anything.
	if c.NoPendingSlip && m.pendingSlipLocked(c.Next.ID) {
		return Transaction{}, ErrSlipAwaitingReview
	}
	if c.ReviewSlip != nil {
		s, ok := m.slips[c.ReviewSlip.ID]
		if !ok {
			return Transaction{}, ErrNotFound
		}
		if s.Status != payment.SlipPending {
			return Transaction{}, ErrSlipAlreadyReviewed
		}
	}
	for _, s := range []*payment.Slip{c.InsertSlip, c.ReviewSlip} {
		if s != nil && s.Status == payment.SlipApproved && m.approvedSlipLocked(s.TransactionID, s.ID) {
			return Transaction{}, ErrAlreadyFunded
		}
	}
	if c.InsertDispute != nil && m.openDisputeLocked(c.InsertDispute.TransactionID) {
		return Transaction{}, &TransitionError{Action: ActionOpenDispute, Status: StatusDisputed}
	}
	if c.ResolveDispute != nil {
		d, ok := m.disputes[c.ResolveDispute.ID]
		if !ok {
			return Transaction{}, ErrNotFound
		}
		if !d.Open() {
			return Transaction{}, ErrAlreadyResolved
		}
	}

	next := c.Next
	next.Version = cur.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.txs[next.ID] = next

	if c.InsertSlip != nil {
		m.slips[c.InsertSlip.ID] = *c.InsertSlip
	}
	if c.ReviewSlip != nil {
		m.slips[c.ReviewSlip.ID] = *c.ReviewSlip
	}
	if c.InsertDispute != nil {
		m.disputes[c.InsertDispute.ID] = cloneDispute(*c.InsertDispute)
	}
	if c.ResolveDispute != nil {
		m.disputes[c.ResolveDispute.ID] = cloneDispute(*c.ResolveDispute)
	}
	if c.Settlement != nil {
		m.ledger.Record(*c.Settlement)
	}
	if m.pub == nil {
		m.events = append(m.events, c.Events...)
	}

	return next, nil
}

func (m *MemoryStore) approvedSlipLocked(transactionID, exceptID string) bool {
	for _, s := range m.slips {
		if s.TransactionID == transactionID && s.ID != exceptID && s.Status == payment.SlipApproved {
			return true
		}
	}
	return false
}

func (m *MemoryStore) pendingSlipLocked(transactionID string) bool {
	for _, s := range m.slips {
		if s.TransactionID == transactionID && s.Status == payment.SlipPending {
			return true
		}
	}
	return false
}

func (m *MemoryStore) openDisputeLocked(transactionID string) bool {
	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Open() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Slip(_ context.Context, id string) (payment.Slip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slips[id]
	if !ok {
		return payment.Slip{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Slips(_ context.Context, transactionID string) ([]payment.Slip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]payment.Slip, 0, 4)
	for _, s := range m.slips {
		if s.TransactionID == transactionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Dispute(_ context.Context, id string) (dispute.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return dispute.Record{}, ErrNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) Disputes(_ context.Context, transactionID string) ([]dispute.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispute.Record, 0, 2)
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			out = append(out, cloneDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DueForRelease(_ context.Context, now time.Time, limit int) ([]string, error) {
	return m.scan(limit, func(t Transaction) bool {
		return t.ReleaseDue(now) && !m.openDisputeLocked(t.ID)
	}), nil
}

func (m *MemoryStore) ExpiredPending(_ context.Context, now time.Time, limit int) ([]string, error) {
	return m.scan(limit, func(t Transaction) bool {
		return t.ExpiryDue(now) && !m.pendingSlipLocked(t.ID)
	}), nil
}

func (m *MemoryStore) scan(limit int, match func(Transaction) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []Transaction
	for _, t := range m.txs {
		if match(t) {
			hits = append(hits, t)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.Before(hits[j].CreatedAt) })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, t := range hits {
		ids[i] = t.ID
	}
	return ids
}

func cloneDispute(d dispute.Record) dispute.Record {
	d.EvidenceURLs = append([]string(nil), d.EvidenceURLs...)
	return d
}
