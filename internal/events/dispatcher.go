package events

import (
	"context"
	"log/slog"

	"vouch/internal/fraud"
	"vouch/internal/platform/config"
	"vouch/internal/verification/tracker"
)

// SignalRecorder stores device and profile fingerprints for fraud scoring.
type SignalRecorder interface {
	Record(fp *fraud.Fingerprint)
}

// ConversionCrediter credits a referrer when a referee converts to paid.
type ConversionCrediter interface {
	OnPaidConversion(ctx context.Context, refereeID, referrerID, sourceEventID string, cfg config.Pipeline) error
}

// Dispatcher routes validated envelopes to the tracker, the signal store,
// and the reward service.
type Dispatcher struct {
	tracker *tracker.Tracker
	signals SignalRecorder
	rewards ConversionCrediter
	logger  *slog.Logger
	cfg     config.Pipeline
}

// NewDispatcher constructs a dispatcher over the tracker, signal store, and
// reward service.
func NewDispatcher(tr *tracker.Tracker, signals SignalRecorder, rewards ConversionCrediter, logger *slog.Logger, cfg config.Pipeline) *Dispatcher {
	return &Dispatcher{tracker: tr, signals: signals, rewards: rewards, logger: logger, cfg: cfg}
}

// Dispatch handles one event. Validation failures are terminal for the
// event; everything else may be retried by the consumer.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	switch env.Kind {
	case KindReferralRedeemed:
		return d.tracker.Register(ctx, env.UserID, env.ReferrerID, d.cfg)

	case KindPaidConversion:
		return d.rewards.OnPaidConversion(ctx, env.UserID, env.ReferrerID, env.EventID, d.cfg)

	case KindFingerprint:
		d.signals.Record(&fraud.Fingerprint{
			UserID:           env.UserID,
			DeviceIDs:        env.Signals.DeviceIDs,
			IPs:              env.Signals.IPs,
			UserAgent:        env.Signals.UserAgent,
			ProfileBio:       env.Signals.ProfileBio,
			AccountCreatedAt: env.Signals.AccountCreatedAt,
		})
		return nil

	default:
		req, ok := requirementFor(env.Kind)
		if !ok {
			// Validate already rejected unknown kinds.
			return nil
		}
		return d.tracker.RecordProgress(ctx, tracker.Event{
			RefereeID:     env.UserID,
			Requirement:   req,
			SourceEventID: env.EventID,
			Count:         env.Count,
		}, d.cfg)
	}
}
