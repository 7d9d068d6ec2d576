package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Gateway performs the actual transfer. It must tolerate being called more
// than once for the same Key.
type Gateway interface {
	Transfer(ctx context.Context, entry Entry) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, entry Entry) error

func (f GatewayFunc) Transfer(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

// LogGateway records transfers in the log without moving money. It is the
// default until a payment provider is wired in.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Transfer(_ context.Context, entry Entry) error {
	g.Logger.Info("settlement transfer",
		"transaction_id", entry.TransactionID,
		"kind", entry.Kind,
		"recipient", entry.Recipient,
		"amount", entry.Amount.StringFixed(2),
		"attempt", entry.Attempts,
	)
	return nil
}

// Ledger persists settlement entries.
type Ledger interface {
	// Claim leases a not-yet-done entry for one execution attempt. It returns
	// false when the entry is done or currently leased by another worker.
	Claim(ctx context.Context, key Key, lease time.Duration) (Entry, bool, error)
	Complete(ctx context.Context, key Key) error
	Fail(ctx context.Context, key Key, reason string) error
	// Due lists entries that are not done and whose lease has expired.
	Due(ctx context.Context, lease time.Duration, limit int) ([]Key, error)
}

// DefaultLease bounds how long a claimed entry stays invisible to other workers.
const DefaultLease = 2 * time.Minute

// Service executes ledger entries through a gateway.
type Service struct {
	ledger  Ledger
	gateway Gateway
	logger  *slog.Logger
	lease   time.Duration
}

func NewService(ledger Ledger, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{ledger: ledger, gateway: gateway, logger: logger, lease: DefaultLease}
}

// Execute runs the settlement identified by key once. A gateway failure is
// recorded on the entry and returned; the entry stays due for Reconcile.
func (s *Service) Execute(ctx context.Context, key Key) error {
	entry, ok, err := s.ledger.Claim(ctx, key, s.lease)
	if err != nil {
		return fmt.Errorf("settlement: claim %s/%s: %w", key.TransactionID, key.Kind, err)
	}
	if !ok {
		return nil
	}

	if err := s.gateway.Transfer(ctx, entry); err != nil {
		if ferr := s.ledger.Fail(ctx, key, err.Error()); ferr != nil {
			s.logger.Error("settlement: record failure", "transaction_id", key.TransactionID, "kind", key.Kind, "error", ferr)
		}
		return fmt.Errorf("settlement: transfer %s/%s: %w", key.TransactionID, key.Kind, err)
	}

	if err := s.ledger.Complete(ctx, key); err != nil {
		return fmt.Errorf("settlement: complete %s/%s: %w", key.TransactionID, key.Kind, err)
	}
	return nil
}

// Reconcile replays up to limit due entries and returns how many completed.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	keys, err := s.ledger.Due(ctx, s.lease, limit)
	if err != nil {
		return 0, fmt.Errorf("settlement: list due: %w", err)
	}
	done := 0
	for _, key := range keys {
		if err := s.Execute(ctx, key); err != nil {
			s.logger.Error("settlement replay failed", "transaction_id", key.TransactionID, "kind", key.Kind, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
