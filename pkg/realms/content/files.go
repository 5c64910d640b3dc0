package content

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/realm"
)

// listFiles returns the workspace-scoped file listing. Visibility is the
// steward's read gate: contract active, materialization allowed, reference
// scope covering the requesting user.
func (r *Realm) listFiles(ec realm.ExecutionContext, intent realm.Intent) error {
	mats, err := ec.Steward().ListMaterializations(ec.Context(), ec.TenantID(), ec.UserID())
	if err != nil {
		return mapGovernance(err)
	}

	entries := make([]map[string]interface{}, 0, len(mats))
	for _, mat := range mats {
		entries = append(entries, map[string]interface{}{
			"file_id":              mat.UUID,
			"ui_name":              mat.UIName,
			"file_type":            mat.FileType,
			"mime_type":            mat.MimeType,
			"file_size":            mat.FileSize,
			"boundary_contract_id": mat.BoundaryContractID,
			"representation_type":  string(mat.RepresentationType),
			"created_at":           mat.CreatedAt,
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("file list marshal failed: %w", err)
	}

	_, err = ec.EmitArtifact(realm.ArtifactSpec{
		Name:         "file_list",
		ArtifactType: artifactTypeFileList,
		Purpose:      artifact.PurposeDecisionSupport,
		Descriptor:   map[string]interface{}{"count": len(entries)},
		Payload:      payload,
	})
	return err
}

// getFile resolves one file through the read gate. A scope miss surfaces as
// denied_by_policy, not as not-found, so callers can distinguish governance
// denial from absence within their own scope.
func (r *Realm) getFile(ec realm.ExecutionContext, intent realm.Intent) error {
	fileID := stringParam(intent.Parameters, "file_id")

	mat, err := ec.Steward().GetMaterialization(ec.Context(), ec.TenantID(), ec.UserID(), fileID)
	if err != nil {
		return mapGovernance(err)
	}

	payload, err := json.Marshal(mat)
	if err != nil {
		return fmt.Errorf("file view marshal failed: %w", err)
	}
	_, err = ec.EmitArtifact(realm.ArtifactSpec{
		Name:         "file_view",
		ArtifactType: artifactTypeFileView,
		Purpose:      artifact.PurposeDelivery,
		Descriptor: map[string]interface{}{
			"file_id": mat.UUID,
			"ui_name": mat.UIName,
		},
		Payload: payload,
	})
	return err
}

// archiveFile soft-deletes a file: the artifact transitions to obsolete and
// its audit trail is retained. Index rows and contracts are untouched; the
// TTL collector owns physical cleanup.
func (r *Realm) archiveFile(ec realm.ExecutionContext, intent realm.Intent) error {
	ctx := ec.Context()
	fileID := stringParam(intent.Parameters, "file_id")

	fileArt, err := findFileArtifact(ec, fileID)
	if err != nil {
		return err
	}

	reason := stringParam(intent.Parameters, "reason")
	if reason == "" {
		reason = "archived"
	}
	obsoleted, err := ec.Artifacts().TransitionLifecycle(ctx, ec.TenantID(), fileArt.ArtifactID,
		artifact.StateObsolete, ec.UserID(), reason)
	if err != nil {
		return err
	}

	return ec.EmitEvent("file_archived", map[string]interface{}{
		"file_id":     fileID,
		"artifact_id": obsoleted.ArtifactID,
		"reason":      reason,
	})
}
