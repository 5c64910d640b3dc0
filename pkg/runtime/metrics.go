package runtime

import (
	"context"
	"time"
)

// Metrics receives RED signals from the runtime. Implementations must be
// safe for concurrent use; a nil Metrics disables recording.
type Metrics interface {
	// RecordAdmission counts one successfully admitted intent.
	RecordAdmission(ctx context.Context, tenantID, intentType string)

	// RecordRejection counts one admission failure by fault kind.
	RecordRejection(ctx context.Context, kind string)

	// RecordExecution records a terminal execution with its outcome and
	// handler-side duration.
	RecordExecution(ctx context.Context, intentType, status string, d time.Duration)
}
