package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vouch/internal/platform/config"
	"vouch/internal/verification/store"
	"vouch/pkg/platform/sentinel"
)

// Verdict is the coordinated-fraud detection result for one referee.
type Verdict struct {
	IsCoordinated   bool `json:"is_coordinated"`
	MatchesTemplate bool `json:"matches_template"`
	// ClusterSize is the largest device/IP cluster the referee belongs to
	// within the referrer's cohort, including the referee.
	ClusterSize int `json:"cluster_size"`
	// TemplateMatches is how many sibling referees share the referee's
	// normalized signup template.
	TemplateMatches int `json:"template_matches"`
}

// Detector runs the cross-referee scan. It is the one check that reads many
// records, so it is invoked on demand and on checklist completion, never on
// every progress event.
type Detector struct {
	verifications store.VerificationStore
	signals       SignalStore
	logger        *slog.Logger
}

// NewDetector creates a pattern detector over the given stores.
func NewDetector(verifications store.VerificationStore, signals SignalStore, logger *slog.Logger) *Detector {
	return &Detector{verifications: verifications, signals: signals, logger: logger}
}

// Run scans all referees of the referrer, counting device/IP cluster sizes
// and repeated signup templates around the given referee. The scan pages
// through the referrer-keyed index with cfg.Detector.PageSize so cost stays
// bounded per invocation.
func (d *Detector) Run(ctx context.Context, refereeID, referrerID string, cfg config.Pipeline) (Verdict, error) {
	self, err := d.signals.Fingerprint(ctx, refereeID)
	if errors.Is(err, sentinel.ErrNotFound) {
		// No recorded signals means nothing to cluster on.
		return Verdict{ClusterSize: 1}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("load referee fingerprint: %w", err)
	}

	selfTemplate := TemplateOf(self)
	verdict := Verdict{ClusterSize: 1}

	pageSize := cfg.Detector.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	for offset := 0; ; offset += pageSize {
		page, err := d.verifications.ListByReferrer(ctx, referrerID, store.Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return Verdict{}, fmt.Errorf("list referrer cohort: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, sibling := range page {
			if sibling.RefereeID == refereeID {
				continue
			}
			fp, err := d.signals.Fingerprint(ctx, sibling.RefereeID)
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if err != nil {
				// A single unreadable sibling should not abort the scan.
				d.logger.WarnContext(ctx, "sibling fingerprint unavailable",
					"referee_id", sibling.RefereeID,
					"error", err,
				)
				continue
			}

			if Overlaps(self.DeviceIDs, fp.DeviceIDs) || Overlaps(self.IPs, fp.IPs) {
				verdict.ClusterSize++
			}
			if TemplateOf(fp) == selfTemplate {
				verdict.TemplateMatches++
			}
		}

		if len(page) < pageSize {
			break
		}
	}

	threshold := cfg.Detector.ClusterThreshold
	if threshold <= 0 {
		threshold = 3
	}
	verdict.IsCoordinated = verdict.ClusterSize >= threshold
	// Template matching needs at least two scripted siblings before the
	// shape itself is suspicious; one twin happens organically.
	verdict.MatchesTemplate = verdict.TemplateMatches >= threshold-1

	return verdict, nil
}
