package smartcity

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/dna"
)

// Curator promotes accepted artifacts into the platform DNA registries.
// Promotion requires the artifact to be de-identified and generalized;
// anything carrying tenant-specific meaning stays client-owned.
type Curator struct {
	plane    *artifact.Plane
	registry *dna.Registry
}

// NewCurator wires a curator over the artifact plane and DNA registry.
func NewCurator(plane *artifact.Plane, registry *dna.Registry) *Curator {
	return &Curator{plane: plane, registry: registry}
}

// identifyingKeys are descriptor fields that tie an artifact to a tenant.
// Their presence blocks promotion.
var identifyingKeys = []string{
	"tenant_id", "user_id", "session_id", "customer", "client_name", "email",
}

// PromoteToPlatformDNA generalizes an accepted artifact into a registry
// row. The artifact must be accepted, shared or platform owned, and its
// descriptor must carry no identifying fields.
func (c *Curator) PromoteToPlatformDNA(ctx context.Context, tenantID, artifactID string, target dna.RegistryName, identifier, promotedBy string) (dna.Entry, error) {
	art, _, err := c.plane.Get(ctx, tenantID, artifactID, false)
	if err != nil {
		return dna.Entry{}, err
	}
	if art.LifecycleState != artifact.StateAccepted {
		return dna.Entry{}, fmt.Errorf("%w: only accepted artifacts promote", ErrNotGeneralized)
	}
	if art.Owner == artifact.OwnerClient {
		return dna.Entry{}, fmt.Errorf("%w: client-owned artifacts stay with the client", ErrNotGeneralized)
	}
	if err := checkDeidentified(art.SemanticDescriptor); err != nil {
		return dna.Entry{}, err
	}

	definition := map[string]interface{}{
		"artifact_type": art.ArtifactType,
		"realm":         art.Realm,
		"descriptor":    art.SemanticDescriptor,
		"payload_ref":   art.PayloadRef,
	}
	return c.registry.Promote(ctx, target, identifier, definition, art.ArtifactID, promotedBy)
}

func checkDeidentified(descriptor map[string]interface{}) error {
	for key := range descriptor {
		lower := strings.ToLower(key)
		for _, banned := range identifyingKeys {
			if lower == banned {
				return fmt.Errorf("%w: descriptor carries identifying field %q", ErrNotGeneralized, key)
			}
		}
	}
	return nil
}
