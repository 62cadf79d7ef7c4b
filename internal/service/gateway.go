package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"courier-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is a gateway's verdict on a transaction.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Status maps a gateway outcome onto a ledger payment status.
func (o Outcome) Status() string {
	switch o {
	case OutcomeCompleted:
		return models.PaymentStatusCompleted
	case OutcomeFailed:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}

// GatewayClient initializes and verifies transactions with one payment
// gateway. Implementations make outbound HTTP calls; timeouts apply here
// and nowhere else in the reconciliation path.
type GatewayClient interface {
	Initialize(ctx context.Context, order *models.Order, amount decimal.Decimal) (externalRef string, err error)
	Verify(ctx context.Context, externalRef string) (Outcome, error)
	Refund(ctx context.Context, externalRef string, amount decimal.Decimal) (Outcome, error)
}

// GatewayResolver selects the client for a named gateway.
type GatewayResolver interface {
	Gateway(name string) (GatewayClient, error)
}

// GatewaySet is a static GatewayResolver.
type GatewaySet map[string]GatewayClient

func (g GatewaySet) Gateway(name string) (GatewayClient, error) {
	client, ok := g[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment gateway: %q", name)
	}
	return client, nil
}

// SimulatedGateway is a deterministic in-memory gateway for development
// and tests. Verify answers from the same state Initialize recorded, so
// replayed verifications are stable.
type SimulatedGateway struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	refunds  map[string]decimal.Decimal
	// Next forces the outcome of the next initialized transaction.
	next Outcome
	// Latency is added to every call to mimic a remote gateway.
	Latency time.Duration
}

// NewSimulatedGateway creates a simulator whose transactions complete
// successfully unless primed otherwise.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		outcomes: make(map[string]Outcome),
		refunds:  make(map[string]decimal.Decimal),
		next:     OutcomeCompleted,
	}
}

// FailNext makes the next initialized transaction fail verification.
func (g *SimulatedGateway) FailNext() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = OutcomeFailed
}

// Settle overrides the recorded outcome for a reference, mimicking the
// gateway completing a transaction that previously hung.
func (g *SimulatedGateway) Settle(externalRef string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[externalRef] = outcome
}

func (g *SimulatedGateway) Initialize(ctx context.Context, order *models.Order, amount decimal.Decimal) (string, error) {
	if err := g.sleep(ctx); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ref := fmt.Sprintf("SIM-%s", uuid.New().String()[:8])
	g.outcomes[ref] = g.next
	g.next = OutcomeCompleted
	return ref, nil
}

func (g *SimulatedGateway) Verify(ctx context.Context, externalRef string) (Outcome, error) {
	if err := g.sleep(ctx); err != nil {
		return OutcomePending, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	outcome, ok := g.outcomes[externalRef]
	if !ok {
		return OutcomePending, fmt.Errorf("unknown transaction reference: %q", externalRef)
	}
	return outcome, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, externalRef string, amount decimal.Decimal) (Outcome, error) {
	if err := g.sleep(ctx); err != nil {
		return OutcomePending, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.outcomes[externalRef]; !ok {
		return OutcomeFailed, fmt.Errorf("unknown transaction reference: %q", externalRef)
	}
	g.refunds[externalRef] = g.refunds[externalRef].Add(amount)
	return OutcomeCompleted, nil
}

// CashGateway models cash on delivery. A cash payment never settles on
// its own; it stays PENDING until someone with authority reports the
// handover through the reconciliation entry point. Refunds are handed
// back in person, so the gateway approves them unconditionally.
type CashGateway struct{}

func (CashGateway) Initialize(_ context.Context, _ *models.Order, _ decimal.Decimal) (string, error) {
	return fmt.Sprintf("CASH-%s", uuid.New().String()[:8]), nil
}

func (CashGateway) Verify(_ context.Context, _ string) (Outcome, error) {
	return OutcomePending, nil
}

func (CashGateway) Refund(_ context.Context, _ string, _ decimal.Decimal) (Outcome, error) {
	return OutcomeCompleted, nil
}

func (g *SimulatedGateway) sleep(ctx context.Context) error {
	if g.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(g.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
