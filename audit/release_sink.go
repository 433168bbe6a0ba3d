package audit

import (
	"context"

	"escrowd/escrow"
)

// ReleaseSink adapts a Recorder to the release orchestrator's AuditSink,
// converting escrow.AuditEntry into the recorder's Entry.
type ReleaseSink struct {
	Recorder *Recorder
}

// NewReleaseSink wraps the recorder for use as an escrow.AuditSink.
func NewReleaseSink(r *Recorder) *ReleaseSink {
	return &ReleaseSink{Recorder: r}
}

// RecordAccepted forwards the accepted transition to the recorder.
func (s *ReleaseSink) RecordAccepted(ctx context.Context, entry escrow.AuditEntry) error {
	return s.Recorder.RecordAccepted(ctx, Entry{
		Kind:         entry.Kind,
		EntityID:     entry.EntityID,
		Actor:        entry.Actor,
		StatusBefore: entry.StatusBefore,
		StatusAfter:  entry.StatusAfter,
		Metadata:     entry.Metadata,
	})
}
