// Package system hosts platform-internal intents: work that runs through
// the runtime like any client intent so it is logged, streamed, and
// cancellable, but is submitted by the platform itself.
package system

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// IntentPurgeExpired sweeps materialization index rows past their TTL.
const IntentPurgeExpired = "purge_expired_materializations"

// RolePlatformOperator may trigger platform maintenance intents directly.
const RolePlatformOperator = "platform_operator"

// Realm serves the system intents.
type Realm struct {
	logger *slog.Logger
	clock  func() time.Time
}

// New creates the system realm.
func New(logger *slog.Logger) *Realm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realm{logger: logger.With("component", "realm.system"), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (r *Realm) WithClock(clock func() time.Time) *Realm {
	r.clock = clock
	return r
}

func (r *Realm) Name() string { return "system" }

const purgeSchema = `{
	"type": "object",
	"properties": {
		"as_of": {"type": "string", "format": "date-time"}
	}
}`

func (r *Realm) Registrations() []realm.Registration {
	return []realm.Registration{
		{
			IntentType: IntentPurgeExpired,
			Schema:     json.RawMessage(purgeSchema),
			Permitted: func(id smartcity.Identity) bool {
				for _, role := range id.Roles {
					if role == RolePlatformOperator {
						return true
					}
				}
				return false
			},
		},
	}
}

func (r *Realm) HandleIntent(ec realm.ExecutionContext, intent realm.Intent) error {
	switch intent.IntentType {
	case IntentPurgeExpired:
		return r.purgeExpired(ec, intent)
	default:
		return fault.Newf(fault.KindUnknownIntentType, "system realm cannot handle %q", intent.IntentType)
	}
}

// purgeExpired runs one TTL sweep. Contracts flip to expired, blob bytes
// are removed, index rows are soft-deleted, and derived records of fact
// survive with source_expired_at stamped.
func (r *Realm) purgeExpired(ec realm.ExecutionContext, intent realm.Intent) error {
	now := r.clock().UTC()
	if asOf, ok := intent.Parameters["as_of"].(string); ok && asOf != "" {
		parsed, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			return fault.Wrap(fault.KindInvalidParameters, "as_of is not a timestamp", err)
		}
		now = parsed.UTC()
	}

	purged, err := ec.Steward().PurgeExpired(ec.Context(), now)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"purged_count": purged,
		"as_of":        now,
	})
	if err != nil {
		return fmt.Errorf("purge report marshal failed: %w", err)
	}
	if _, err := ec.EmitArtifact(realm.ArtifactSpec{
		Name:         "purge_report",
		ArtifactType: "purge_report",
		Owner:        artifact.OwnerPlatform,
		Purpose:      artifact.PurposeGovernance,
		Descriptor: map[string]interface{}{
			"purged_count": purged,
			"as_of":        now.Format(time.RFC3339),
		},
		Payload: payload,
	}); err != nil {
		return err
	}

	return ec.EmitEvent("purge_completed", map[string]interface{}{
		"purged_count": purged,
	})
}

var _ realm.Realm = (*Realm)(nil)
