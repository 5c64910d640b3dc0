package content

import (
	"context"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// ingestFile is phase A of the two-phase protocol: negotiate a pending
// boundary contract, stage the bytes, and emit the file artifact. No
// materialization index row exists until save_materialization.
func (r *Realm) ingestFile(ec realm.ExecutionContext, intent realm.Intent) error {
	ctx := ec.Context()
	steward := ec.Steward()

	uiName := stringParam(intent.Parameters, "ui_name")
	contract, err := steward.RequestDataAccess(ctx, smartcity.DataAccessRequest{
		TenantID:         ec.TenantID(),
		UserID:           ec.UserID(),
		IntentID:         intent.IntentID,
		SourceType:       smartcity.SourceFile,
		SourceIdentifier: uiName,
	})
	if err != nil {
		return mapGovernance(err)
	}
	ec.Compensate("revoke-boundary-contract", func(ctx context.Context) error {
		_, err := steward.RevokeContract(ctx, contract.ContractID, "ingest compensated")
		return err
	})

	staged, err := steward.StageUpload(ctx, ec.TenantID(), ec.UserID(), []byte(stringParam(intent.Parameters, "content")))
	if err != nil {
		return err
	}
	ec.Compensate("discard-staged-upload", func(ctx context.Context) error {
		return steward.DiscardStaged(ctx, staged)
	})

	if err := ec.EmitEvent("file_staged", map[string]interface{}{
		"file_id":              staged.FileID,
		"boundary_contract_id": contract.ContractID,
	}); err != nil {
		return err
	}

	_, err = ec.EmitArtifact(realm.ArtifactSpec{
		Name:         "file",
		ArtifactType: artifactTypeFile,
		Purpose:      artifact.PurposeDelivery,
		Descriptor: map[string]interface{}{
			"file_id":                 staged.FileID,
			"boundary_contract_id":    contract.ContractID,
			"materialization_pending": true,
			"ui_name":                 uiName,
			"file_type":               stringParam(intent.Parameters, "file_type"),
			"mime_type":               stringParam(intent.Parameters, "mime_type"),
			"file_size":               staged.Size,
			"file_hash":               staged.Hash,
			"blob_ref":                string(staged.Ref),
		},
	})
	return err
}

// saveMaterialization is phase B: policy evaluation activates the contract,
// the index row is inserted, and the file artifact is accepted. Only now
// does the file become visible to list_files.
func (r *Realm) saveMaterialization(ec realm.ExecutionContext, intent realm.Intent) error {
	ctx := ec.Context()
	steward := ec.Steward()

	fileID := stringParam(intent.Parameters, "file_id")
	contractID := stringParam(intent.Parameters, "boundary_contract_id")

	fileArt, err := findFileArtifact(ec, fileID)
	if err != nil {
		return err
	}
	desc := fileArt.SemanticDescriptor

	request := map[string]interface{}{"user_id": ec.UserID()}
	if mt := stringParam(intent.Parameters, "materialization_type"); mt != "" {
		request["materialization_type"] = mt
	}
	contract, auth, err := steward.AuthorizeMaterialization(ctx, contractID, request)
	if err != nil {
		return mapGovernance(err)
	}

	size, _ := desc["file_size"].(float64)
	mat, err := steward.InsertMaterialization(ctx, smartcity.Materialization{
		UUID:               fileID,
		TenantID:           ec.TenantID(),
		UserID:             ec.UserID(),
		UIName:             stringParam(desc, "ui_name"),
		FilePath:           stringParam(desc, "blob_ref"),
		FileType:           stringParam(desc, "file_type"),
		MimeType:           stringParam(desc, "mime_type"),
		FileSize:           int64(size),
		FileHash:           stringParam(desc, "file_hash"),
		Status:             "saved",
		IngestionType:      "upload",
		BoundaryContractID: contract.ContractID,
		SourceExternal:     true,
		SourceType:         string(smartcity.SourceFile),
	})
	if err != nil {
		return mapGovernance(err)
	}

	accepted, err := ec.Artifacts().TransitionLifecycle(ctx, ec.TenantID(), fileArt.ArtifactID,
		artifact.StateAccepted, ec.UserID(), "materialization saved")
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"file_id":              mat.UUID,
		"boundary_contract_id": contract.ContractID,
		"artifact_id":          accepted.ArtifactID,
		"representation_type":  string(auth.MaterializationType),
	}
	if mat.MaterializationExpiresAt != nil {
		payload["materialization_expires_at"] = mat.MaterializationExpiresAt
	}
	return ec.EmitEvent("file_saved", payload)
}
