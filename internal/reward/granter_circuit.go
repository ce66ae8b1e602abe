package reward

import (
	"context"
	"log/slog"

	"vouch/pkg/platform/circuit"
)

// CircuitGranter wraps a Granter with a circuit breaker so repeated
// membership backend failures surface as a degraded state instead of
// isolated errors. Grants are low-volume, so the primary is always
// attempted; the breaker's state drives logging and the open/close
// transitions mark the start and end of an outage.
type CircuitGranter struct {
	inner   Granter
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// NewCircuitGranter wraps inner with a breaker tuned for the membership API.
func NewCircuitGranter(inner Granter, logger *slog.Logger) *CircuitGranter {
	return &CircuitGranter{
		inner: inner,
		breaker: circuit.New("membership-grants",
			circuit.WithFailureThreshold(5),
			circuit.WithSuccessThreshold(2),
		),
		logger: logger,
	}
}

// Degraded reports whether the membership backend is in an outage window.
func (g *CircuitGranter) Degraded() bool {
	return g.breaker.IsOpen()
}

func (g *CircuitGranter) Grant(ctx context.Context, refereeID, referrerID string, days int) error {
	err := g.inner.Grant(ctx, refereeID, referrerID, days)
	if err != nil {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.Warn("membership grant circuit opened",
				"breaker", g.breaker.Name(),
				"error", err,
			)
		}
		return err
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.Info("membership grant circuit closed", "breaker", g.breaker.Name())
	}
	return nil
}
