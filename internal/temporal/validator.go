// Package temporal audits version chains. The validator walks every
// entity's timeline and reports versions whose PREVIOUS_VERSION links
// are missing, point at the wrong predecessor, or claim a predecessor
// where the chain should start; with auto-repair it fixes the missing
// links in place.
package temporal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/memento/internal/telemetry"
	"github.com/scrypster/memento/pkg/types"
)

const (
	defaultBatchSize     = 25
	maxBatchSize         = 100
	defaultTimelineLimit = 200
	minTimelineLimit     = 10
)

type IssueType string

const (
	IssueUnexpectedHead     IssueType = "unexpected_head"
	IssueMissingPrevious    IssueType = "missing_previous"
	IssueMisorderedPrevious IssueType = "misordered_previous"
)

// Issue is one broken link in a version chain. Repaired is nil when
// no repair was attempted.
type Issue struct {
	EntityID           string    `json:"entityId"`
	VersionID          string    `json:"versionId"`
	Type               IssueType `json:"type"`
	ExpectedPreviousID string    `json:"expectedPreviousId,omitempty"`
	ActualPreviousID   string    `json:"actualPreviousId,omitempty"`
	Message            string    `json:"message,omitempty"`
	Repaired           *bool     `json:"repaired,omitempty"`
}

// Options tunes one validation run. Zero values take the defaults;
// out-of-range values are clamped, not rejected.
type Options struct {
	BatchSize     int  `json:"batchSize,omitempty"`     // entities per page, 1..100
	MaxEntities   int  `json:"maxEntities,omitempty"`   // hard scan bound, 0 = all
	TimelineLimit int  `json:"timelineLimit,omitempty"` // versions per entity, 10..200
	AutoRepair    bool `json:"autoRepair,omitempty"`
	DryRun        bool `json:"dryRun,omitempty"`

	Logger *zerolog.Logger `json:"-"`
}

// Report is the outcome of one validation run.
type Report struct {
	ScannedEntities   int     `json:"scannedEntities"`
	InspectedVersions int     `json:"inspectedVersions"`
	RepairedLinks     int     `json:"repairedLinks"`
	Issues            []Issue `json:"issues"`
}

// EntityLister pages through entities. The entity service satisfies it.
type EntityLister interface {
	List(ctx context.Context, opts types.ListEntitiesOptions) (*types.EntityList, error)
}

// HistoryReader reads timelines and repairs links. The history service
// satisfies it.
type HistoryReader interface {
	GetEntityTimeline(ctx context.Context, entityID string, opts types.TimelineOptions) ([]*types.Version, error)
	RepairPreviousVersionLink(ctx context.Context, entityID, versionID, prevVersionID string, ts time.Time) error
}

// Validator scans version chains for integrity issues.
type Validator struct {
	entities EntityLister
	history  HistoryReader
	tracer   trace.Tracer
}

func NewValidator(entities EntityLister, history HistoryReader) *Validator {
	return &Validator{entities: entities, history: history, tracer: telemetry.Tracer("memento/temporal")}
}

// Validate pages through all entities and audits each one's timeline.
// With AutoRepair set (and not DryRun) every missing_previous issue is
// repaired in place and marked by outcome. MaxEntities bounds the scan.
func (v *Validator) Validate(ctx context.Context, opts Options) (*Report, error) {
	batchSize := clamp(opts.BatchSize, defaultBatchSize, 1, maxBatchSize)
	timelineLimit := clamp(opts.TimelineLimit, defaultTimelineLimit, minTimelineLimit, defaultTimelineLimit)
	logger := opts.Logger
	if logger == nil {
		logger = &log.Logger
	}

	ctx, span := v.tracer.Start(ctx, "temporal.validate", trace.WithAttributes(
		attribute.Bool("auto_repair", opts.AutoRepair),
		attribute.Bool("dry_run", opts.DryRun)))
	defer span.End()

	report := &Report{}
	cursor := ""
	for {
		page, err := v.entities.List(ctx, types.ListEntitiesOptions{Limit: batchSize, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, e := range page.Items {
			if opts.MaxEntities > 0 && report.ScannedEntities >= opts.MaxEntities {
				return report, nil
			}
			report.ScannedEntities++
			if err := v.auditEntity(ctx, e.ID, timelineLimit, opts, report); err != nil {
				return nil, err
			}
		}
		cursor = page.NextCursor
		if cursor == "" || len(page.Items) == 0 {
			break
		}
	}

	logger.Info().Int("scanned", report.ScannedEntities).
		Int("versions", report.InspectedVersions).
		Int("issues", len(report.Issues)).
		Int("repaired", report.RepairedLinks).
		Msg("temporal validation finished")
	return report, nil
}

func (v *Validator) auditEntity(ctx context.Context, entityID string, timelineLimit int, opts Options, report *Report) error {
	timeline, err := v.history.GetEntityTimeline(ctx, entityID, types.TimelineOptions{Limit: timelineLimit})
	if err != nil {
		return err
	}
	report.InspectedVersions += len(timeline)
	if len(timeline) == 0 {
		return nil
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		if !timeline[i].Timestamp.Equal(timeline[j].Timestamp) {
			return timeline[i].Timestamp.Before(timeline[j].Timestamp)
		}
		return timeline[i].Hash < timeline[j].Hash
	})

	// A truncated timeline has an unknown real head, so only a full
	// history can prove the earliest version should have no predecessor.
	if len(timeline) < timelineLimit && timeline[0].PreviousVersionID != "" {
		report.Issues = append(report.Issues, Issue{
			EntityID:         entityID,
			VersionID:        timeline[0].VersionID,
			Type:             IssueUnexpectedHead,
			ActualPreviousID: timeline[0].PreviousVersionID,
			Message:          "earliest version claims a predecessor",
		})
	}

	for i := 1; i < len(timeline); i++ {
		prev, current := timeline[i-1], timeline[i]
		switch {
		case current.PreviousVersionID == "":
			issue := Issue{
				EntityID:           entityID,
				VersionID:          current.VersionID,
				Type:               IssueMissingPrevious,
				ExpectedPreviousID: prev.VersionID,
			}
			if opts.AutoRepair && !opts.DryRun {
				err := v.history.RepairPreviousVersionLink(ctx, entityID, current.VersionID, prev.VersionID, current.Timestamp)
				ok := err == nil
				issue.Repaired = &ok
				if ok {
					report.RepairedLinks++
				} else {
					issue.Message = err.Error()
				}
			}
			report.Issues = append(report.Issues, issue)
		case current.PreviousVersionID != prev.VersionID:
			report.Issues = append(report.Issues, Issue{
				EntityID:           entityID,
				VersionID:          current.VersionID,
				Type:               IssueMisorderedPrevious,
				ExpectedPreviousID: prev.VersionID,
				ActualPreviousID:   current.PreviousVersionID,
			})
		case current.Timestamp.Before(prev.Timestamp):
			report.Issues = append(report.Issues, Issue{
				EntityID:           entityID,
				VersionID:          current.VersionID,
				Type:               IssueMisorderedPrevious,
				ExpectedPreviousID: prev.VersionID,
				ActualPreviousID:   current.PreviousVersionID,
				Message:            fmt.Sprintf("timestamp %s precedes predecessor %s", current.Timestamp, prev.Timestamp),
			})
		}
	}
	return nil
}

func clamp(v, def, min, max int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
