package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"vouch/internal/fraud/metrics"
	"vouch/internal/platform/config"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/sentinel"
)

// updateRetries bounds the CAS loop when persisting a recomputed score.
const updateRetries = 3

// gatherTimeout caps signal gathering per recompute.
const gatherTimeout = 5 * time.Second

// Scorer gathers a referee's signals, runs the calculator, and persists the
// result on the verification record.
type Scorer struct {
	verifications store.VerificationStore
	signals       SignalStore
	detector      *Detector
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithMetrics attaches fraud metrics.
func WithMetrics(m *metrics.Metrics) ScorerOption {
	return func(s *Scorer) {
		s.metrics = m
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		s.now = now
	}
}

// NewScorer creates a scorer over the given stores.
func NewScorer(
	verifications store.VerificationStore,
	signals SignalStore,
	detector *Detector,
	logger *slog.Logger,
	opts ...ScorerOption,
) *Scorer {
	s := &Scorer{
		verifications: verifications,
		signals:       signals,
		detector:      detector,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recalculate recomputes the referee's fraud score from current signals and
// persists it. Returns the score breakdown for admin tooling. The caller is
// expected to run the state machine evaluation afterwards; a recomputed score
// alone never transitions a record.
func (s *Scorer) Recalculate(ctx context.Context, refereeID string, cfg config.Pipeline) (Score, error) {
	rec, err := s.verifications.Get(ctx, refereeID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Score{}, dErrors.New(dErrors.CodeNotFound, "verification record not found")
	}
	if err != nil {
		return Score{}, dErrors.Wrap(err, dErrors.CodeInternal, "load verification")
	}

	in, err := s.gather(ctx, rec, cfg)
	if err != nil {
		return Score{}, err
	}

	score := Calculate(in, cfg)
	s.metrics.ObserveScore(score.Total, score.Flags)

	if err := s.persist(ctx, refereeID, score); err != nil {
		return Score{}, err
	}
	return score, nil
}

// gather collects fingerprints concurrently and runs the pattern detector.
// Shared context cancellation stops the remaining fetches on first failure.
func (s *Scorer) gather(ctx context.Context, rec *models.Verification, cfg config.Pipeline) (Input, error) {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var (
		referee  *Fingerprint
		referrer *Fingerprint
		verdict  Verdict
	)

	g.Go(func() error {
		fp, err := s.signals.Fingerprint(gctx, rec.RefereeID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("referee fingerprint: %w", err)
		}
		referee = fp
		return nil
	})

	g.Go(func() error {
		fp, err := s.signals.Fingerprint(gctx, rec.ReferrerID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("referrer fingerprint: %w", err)
		}
		referrer = fp
		return nil
	})

	g.Go(func() error {
		start := s.now()
		v, err := s.detector.Run(gctx, rec.RefereeID, rec.ReferrerID, cfg)
		s.metrics.ObserveDetector(s.now().Sub(start))
		if err != nil {
			return fmt.Errorf("pattern detection: %w", err)
		}
		verdict = v
		return nil
	})

	if err := g.Wait(); err != nil {
		return Input{}, dErrors.Wrap(err, dErrors.CodeInternal, "gather fraud signals")
	}

	in := Input{Verdict: verdict}
	if referee != nil {
		in.AccountAgeAtReferral = rec.CreatedAt.Sub(referee.AccountCreatedAt)
		if referrer != nil {
			in.SharedDeviceWithReferrer = Overlaps(referee.DeviceIDs, referrer.DeviceIDs)
			in.SharedIPWithReferrer = Overlaps(referee.IPs, referrer.IPs)
		}
	}
	if completed := lastCompletion(rec); completed != nil {
		d := completed.Sub(rec.CreatedAt)
		in.CompletionTime = &d
	}
	return in, nil
}

// lastCompletion returns when the final checklist item completed, or nil
// while the checklist is incomplete.
func lastCompletion(rec *models.Verification) *time.Time {
	if !rec.ChecklistComplete() {
		return nil
	}
	var last *time.Time
	for _, item := range rec.Checklist {
		if item.CompletedAt == nil {
			continue
		}
		if last == nil || item.CompletedAt.After(*last) {
			last = item.CompletedAt
		}
	}
	return last
}

// persist writes the recomputed score, replacing exactly the scoring flags so
// state-machine flags survive.
func (s *Scorer) persist(ctx context.Context, refereeID string, score Score) error {
	for range updateRetries {
		rec, err := s.verifications.Get(ctx, refereeID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "reload verification")
		}

		for _, flag := range ScoringFlags() {
			rec.RemoveFlag(flag)
		}
		for _, flag := range score.Flags {
			rec.AddFlag(flag)
		}
		rec.FraudScore = score.Total
		checked := s.now()
		rec.LastCheckedAt = &checked

		err = s.verifications.Update(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist fraud score")
		}
	}
	return dErrors.New(dErrors.CodeConflict, "persist fraud score: retries exhausted")
}
