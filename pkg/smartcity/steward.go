package smartcity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/fabric/pkg/canonicalize"
	"github.com/loomworks/fabric/pkg/capability"
)

const (
	tableContracts        = "data_boundary_contracts"
	tableMaterializations = "materializations"
)

// ErrDeniedByPolicy signals the materialization policy rejected a request.
var ErrDeniedByPolicy = errors.New("denied by materialization policy")

// SourceType classifies the origin of external data.
type SourceType string

const (
	SourceFile     SourceType = "file"
	SourceAPI      SourceType = "api"
	SourceDatabase SourceType = "database"
	SourceStream   SourceType = "stream"
)

// ContractStatus is the data boundary contract lifecycle.
type ContractStatus string

const (
	ContractPending   ContractStatus = "pending"
	ContractActive    ContractStatus = "active"
	ContractExpired   ContractStatus = "expired"
	ContractRevoked   ContractStatus = "revoked"
	ContractFulfilled ContractStatus = "fulfilled"
)

// Contract gates access to external data. Phase A creates it pending with
// access granted but materialization withheld; phase B activates it after
// policy evaluation.
type Contract struct {
	ContractID                  string                 `json:"contract_id"`
	TenantID                    string                 `json:"tenant_id"`
	UserID                      string                 `json:"user_id"`
	IntentID                    string                 `json:"intent_id,omitempty"`
	ExternalSourceType          SourceType             `json:"external_source_type"`
	ExternalSourceIdentifier    string                 `json:"external_source_identifier"`
	AccessGranted               bool                   `json:"access_granted"`
	MaterializationAllowed      bool                   `json:"materialization_allowed"`
	MaterializationType         MaterializationType    `json:"materialization_type,omitempty"`
	MaterializationTTLSeconds   int64                  `json:"materialization_ttl_seconds,omitempty"` // 0 = permanent
	MaterializationExpiresAt    *time.Time             `json:"materialization_expires_at,omitempty"`
	MaterializationBackingStore BackingStore           `json:"materialization_backing_store,omitempty"`
	MaterializationScope        map[string]interface{} `json:"materialization_scope,omitempty"`
	ReferenceScope              map[string]interface{} `json:"reference_scope,omitempty"`
	ContractStatus              ContractStatus         `json:"contract_status"`
	NegotiatedAt                time.Time              `json:"negotiated_at"`
	ActivatedAt                 *time.Time             `json:"activated_at,omitempty"`
	ExpiredAt                   *time.Time             `json:"expired_at,omitempty"`
	RevokedAt                   *time.Time             `json:"revoked_at,omitempty"`
	RevokedReason               string                 `json:"revoked_reason,omitempty"`
}

// Materialization is one index row for a persisted representation of
// external data. Visibility always passes through the contract gate.
type Materialization struct {
	UUID                        string                 `json:"uuid"`
	TenantID                    string                 `json:"tenant_id"`
	UserID                      string                 `json:"user_id"`
	UIName                      string                 `json:"ui_name,omitempty"`
	FilePath                    string                 `json:"file_path,omitempty"`
	FileType                    string                 `json:"file_type,omitempty"`
	MimeType                    string                 `json:"mime_type,omitempty"`
	FileSize                    int64                  `json:"file_size,omitempty"`
	FileHash                    string                 `json:"file_hash,omitempty"`
	Status                      string                 `json:"status,omitempty"`
	IngestionType               string                 `json:"ingestion_type,omitempty"`
	BoundaryContractID          string                 `json:"boundary_contract_id"`
	RepresentationType          MaterializationType    `json:"representation_type"`
	MaterializationPolicyBasis  string                 `json:"materialization_policy_basis,omitempty"`
	MaterializationExpiresAt    *time.Time             `json:"materialization_expires_at,omitempty"`
	MaterializationBackingStore BackingStore           `json:"materialization_backing_store,omitempty"`
	MaterializationScope        map[string]interface{} `json:"materialization_scope,omitempty"`
	SourceExternal              bool                   `json:"source_external"`
	SourceLocation              string                 `json:"source_location,omitempty"`
	SourceType                  string                 `json:"source_type,omitempty"`
	ParentFileUUID              string                 `json:"parent_file_uuid,omitempty"`
	RootFileUUID                string                 `json:"root_file_uuid,omitempty"`
	LineageDepth                int                    `json:"lineage_depth,omitempty"`
	CreatedAt                   time.Time              `json:"created_at"`
	UpdatedAt                   time.Time              `json:"updated_at"`
	Deleted                     bool                   `json:"deleted"`
}

// StagedFile is the result of a phase A upload: bytes parked in the blob
// store with no index row.
type StagedFile struct {
	FileID  string
	BlobKey string
	Ref     capability.BlobRef
	Hash    string
	Size    int64
}

// Steward owns boundary contracts and the materialization index.
type Steward struct {
	rows     capability.RowStore
	blobs    capability.BlobStore
	policies *PolicyStore
	engine   *PolicyEngine
	records  *RecordStore
	clock    func() time.Time
	newID    func() string
}

// NewSteward wires the steward over its stores.
func NewSteward(rows capability.RowStore, blobs capability.BlobStore, policies *PolicyStore, engine *PolicyEngine, records *RecordStore) *Steward {
	return &Steward{
		rows:     rows,
		blobs:    blobs,
		policies: policies,
		engine:   engine,
		records:  records,
		clock:    time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock for testing.
func (s *Steward) WithClock(clock func() time.Time) *Steward {
	s.clock = clock
	return s
}

// WithIDs overrides id generation for testing.
func (s *Steward) WithIDs(newID func() string) *Steward {
	s.newID = newID
	return s
}

// DataAccessRequest asks for access to one external source.
type DataAccessRequest struct {
	TenantID         string
	UserID           string
	IntentID         string
	SourceType       SourceType
	SourceIdentifier string
}

// RequestDataAccess creates a pending contract: access granted for the
// requesting execution, materialization withheld until phase B.
func (s *Steward) RequestDataAccess(ctx context.Context, req DataAccessRequest) (Contract, error) {
	if req.TenantID == "" || req.UserID == "" {
		return Contract{}, fmt.Errorf("tenant id and user id required")
	}
	contract := Contract{
		ContractID:               s.newID(),
		TenantID:                 req.TenantID,
		UserID:                   req.UserID,
		IntentID:                 req.IntentID,
		ExternalSourceType:       req.SourceType,
		ExternalSourceIdentifier: req.SourceIdentifier,
		AccessGranted:            true,
		MaterializationAllowed:   false,
		ContractStatus:           ContractPending,
		NegotiatedAt:             s.clock().UTC(),
	}
	if err := s.putContract(ctx, contract); err != nil {
		return Contract{}, err
	}
	return contract, nil
}

// StageUpload parks uploaded bytes under a temp path scoped to the tenant
// and user. No index row is written.
func (s *Steward) StageUpload(ctx context.Context, tenantID, userID string, data []byte) (StagedFile, error) {
	fileID := s.newID()
	key := path.Join(tenantID, userID, "tmp", fileID)
	ref, err := s.blobs.Put(ctx, key, data)
	if err != nil {
		return StagedFile{}, fmt.Errorf("upload staging failed: %w", err)
	}
	return StagedFile{
		FileID:  fileID,
		BlobKey: key,
		Ref:     ref,
		Hash:    canonicalize.ContentHash(data),
		Size:    int64(len(data)),
	}, nil
}

// DiscardStaged removes staged bytes that will never be saved, typically
// as a compensation after a failed or cancelled phase A.
func (s *Steward) DiscardStaged(ctx context.Context, staged StagedFile) error {
	if err := s.blobs.Delete(ctx, staged.Ref); err != nil {
		return fmt.Errorf("staged discard failed: %w", err)
	}
	return nil
}

// OpenMaterialized resolves an index row through the read gate and loads
// its backing bytes. Rows without backing bytes return a nil slice.
func (s *Steward) OpenMaterialized(ctx context.Context, tenantID, userID, fileUUID string) (Materialization, []byte, error) {
	mat, err := s.GetMaterialization(ctx, tenantID, userID, fileUUID)
	if err != nil {
		return Materialization{}, nil, err
	}
	if mat.FilePath == "" {
		return mat, nil, nil
	}
	data, err := s.blobs.Get(ctx, capability.BlobRef(mat.FilePath))
	if err != nil {
		return Materialization{}, nil, fmt.Errorf("materialized read failed: %w", err)
	}
	return mat, data, nil
}

// AuthorizeMaterialization evaluates the tenant's policy and activates a
// pending contract. A policy miss is a denial.
func (s *Steward) AuthorizeMaterialization(ctx context.Context, contractID string, request map[string]interface{}) (Contract, Authorization, error) {
	contract, err := s.GetContract(ctx, contractID)
	if err != nil {
		return Contract{}, Authorization{}, err
	}
	if contract.ContractStatus != ContractPending {
		return Contract{}, Authorization{}, fmt.Errorf("%w: %s", ErrContractState, contract.ContractStatus)
	}

	policy, err := s.policies.ActiveForTenant(ctx, contract.TenantID)
	if err != nil {
		return Contract{}, Authorization{}, err
	}

	if request == nil {
		request = map[string]interface{}{}
	}
	if _, ok := request["user_id"]; !ok {
		request["user_id"] = contract.UserID
	}
	contractDoc, err := docFromContract(contract)
	if err != nil {
		return Contract{}, Authorization{}, err
	}

	auth, matched, err := s.engine.Evaluate(ctx, policy, PolicyInput{Request: request, Contract: contractDoc})
	if err != nil {
		return Contract{}, Authorization{}, err
	}
	if !matched {
		return Contract{}, Authorization{}, ErrDeniedByPolicy
	}

	now := s.clock().UTC()
	contract.ContractStatus = ContractActive
	contract.MaterializationAllowed = true
	contract.MaterializationType = auth.MaterializationType
	contract.MaterializationBackingStore = auth.BackingStore
	contract.MaterializationScope = auth.Scope
	contract.ReferenceScope = map[string]interface{}{
		"user_ids":   []interface{}{contract.UserID},
		"scope_type": "workspace",
	}
	contract.ActivatedAt = &now
	if auth.TTL > 0 {
		contract.MaterializationTTLSeconds = int64(auth.TTL / time.Second)
		expires := now.Add(auth.TTL)
		contract.MaterializationExpiresAt = &expires
	}

	if err := s.putContract(ctx, contract); err != nil {
		return Contract{}, Authorization{}, err
	}
	return contract, auth, nil
}

// GetContract loads a contract by id.
func (s *Steward) GetContract(ctx context.Context, contractID string) (Contract, error) {
	doc, err := s.rows.Get(ctx, tableContracts, contractID)
	if errors.Is(err, capability.ErrNotFound) {
		return Contract{}, ErrNotFound
	}
	if err != nil {
		return Contract{}, fmt.Errorf("contract get failed: %w", err)
	}
	return contractFromDoc(doc)
}

// RevokeContract moves an active or pending contract to revoked.
func (s *Steward) RevokeContract(ctx context.Context, contractID, reason string) (Contract, error) {
	contract, err := s.GetContract(ctx, contractID)
	if err != nil {
		return Contract{}, err
	}
	switch contract.ContractStatus {
	case ContractPending, ContractActive:
	default:
		return Contract{}, fmt.Errorf("%w: %s", ErrContractState, contract.ContractStatus)
	}
	now := s.clock().UTC()
	contract.ContractStatus = ContractRevoked
	contract.MaterializationAllowed = false
	contract.RevokedAt = &now
	contract.RevokedReason = reason
	if err := s.putContract(ctx, contract); err != nil {
		return Contract{}, err
	}
	return contract, nil
}

// InsertMaterialization writes an index row after validating the contract
// gate: the contract must be active with materialization allowed and its
// scope must cover the row's user.
func (s *Steward) InsertMaterialization(ctx context.Context, mat Materialization) (Materialization, error) {
	contract, err := s.GetContract(ctx, mat.BoundaryContractID)
	if err != nil {
		return Materialization{}, err
	}
	if contract.ContractStatus != ContractActive || !contract.MaterializationAllowed {
		return Materialization{}, fmt.Errorf("%w: contract %s not materializable", ErrContractState, contract.ContractID)
	}
	if contract.TenantID != mat.TenantID {
		return Materialization{}, fmt.Errorf("%w: contract tenant mismatch", ErrContractState)
	}
	if !scopeContains(contract.ReferenceScope, mat.UserID) {
		return Materialization{}, ErrScopeDenied
	}

	now := s.clock().UTC()
	if mat.UUID == "" {
		mat.UUID = s.newID()
	}
	if mat.RootFileUUID == "" {
		mat.RootFileUUID = mat.UUID
	}
	mat.RepresentationType = contract.MaterializationType
	mat.MaterializationExpiresAt = contract.MaterializationExpiresAt
	mat.MaterializationBackingStore = contract.MaterializationBackingStore
	mat.MaterializationScope = contract.MaterializationScope
	mat.CreatedAt = now
	mat.UpdatedAt = now

	doc, err := docFromMaterialization(mat)
	if err != nil {
		return Materialization{}, err
	}
	if err := s.rows.Put(ctx, tableMaterializations, mat.UUID, doc); err != nil {
		return Materialization{}, fmt.Errorf("materialization put failed: %w", err)
	}
	return mat, nil
}

// GetMaterialization resolves one index row for a requesting user,
// enforcing the contract gate at read time.
func (s *Steward) GetMaterialization(ctx context.Context, tenantID, userID, fileUUID string) (Materialization, error) {
	doc, err := s.rows.Get(ctx, tableMaterializations, fileUUID)
	if errors.Is(err, capability.ErrNotFound) {
		return Materialization{}, ErrNotFound
	}
	if err != nil {
		return Materialization{}, fmt.Errorf("materialization get failed: %w", err)
	}
	mat, err := materializationFromDoc(doc)
	if err != nil {
		return Materialization{}, err
	}
	if mat.TenantID != tenantID || mat.Deleted {
		return Materialization{}, ErrNotFound
	}
	contract, err := s.GetContract(ctx, mat.BoundaryContractID)
	if err != nil {
		return Materialization{}, err
	}
	if contract.ContractStatus != ContractActive || !contract.MaterializationAllowed {
		return Materialization{}, ErrScopeDenied
	}
	if !scopeContains(contract.ReferenceScope, userID) {
		return Materialization{}, ErrScopeDenied
	}
	return mat, nil
}

// ListMaterializations returns the rows visible to one user: contract
// active, materialization allowed, reference scope covering the user.
func (s *Steward) ListMaterializations(ctx context.Context, tenantID, userID string) ([]Materialization, error) {
	docs, err := s.rows.Query(ctx, tableMaterializations, capability.Filter{
		"tenant_id": tenantID,
		"deleted":   false,
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("materialization query failed: %w", err)
	}

	var out []Materialization
	for _, doc := range docs {
		mat, err := materializationFromDoc(doc)
		if err != nil {
			return nil, err
		}
		contract, err := s.GetContract(ctx, mat.BoundaryContractID)
		if err != nil {
			continue
		}
		if contract.ContractStatus != ContractActive || !contract.MaterializationAllowed {
			continue
		}
		if !scopeContains(contract.ReferenceScope, userID) {
			continue
		}
		out = append(out, mat)
	}
	return out, nil
}

// PurgeExpired expires every index row whose TTL has passed: the contract
// flips to expired, blob bytes are removed, the row is soft-deleted, and
// derived records of fact are stamped with source_expired_at.
func (s *Steward) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	docs, err := s.rows.Query(ctx, tableMaterializations, capability.Filter{
		"deleted": false,
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("materialization query failed: %w", err)
	}

	purged := 0
	for _, doc := range docs {
		mat, err := materializationFromDoc(doc)
		if err != nil {
			return purged, err
		}
		if mat.MaterializationExpiresAt == nil || mat.MaterializationExpiresAt.After(now) {
			continue
		}

		contract, err := s.GetContract(ctx, mat.BoundaryContractID)
		if err == nil && contract.ContractStatus == ContractActive {
			ts := now.UTC()
			contract.ContractStatus = ContractExpired
			contract.MaterializationAllowed = false
			contract.ExpiredAt = &ts
			if err := s.putContract(ctx, contract); err != nil {
				return purged, err
			}
		}

		if mat.FilePath != "" {
			if err := s.blobs.Delete(ctx, capability.BlobRef(mat.FilePath)); err != nil {
				return purged, fmt.Errorf("purge blob delete failed: %w", err)
			}
		}

		mat.Deleted = true
		mat.Status = "expired"
		mat.UpdatedAt = now.UTC()
		updated, err := docFromMaterialization(mat)
		if err != nil {
			return purged, err
		}
		if err := s.rows.Put(ctx, tableMaterializations, mat.UUID, updated); err != nil {
			return purged, fmt.Errorf("materialization update failed: %w", err)
		}

		if s.records != nil {
			if _, err := s.records.MarkSourceExpired(ctx, mat.TenantID, mat.UUID, now); err != nil {
				return purged, err
			}
		}
		purged++
	}
	return purged, nil
}

// PromoteToRecordOfFact turns working material into a record of fact. The
// backing contract must still be active: once promoted, the record outlives
// the contract, so promotion itself demands live consent.
func (s *Steward) PromoteToRecordOfFact(ctx context.Context, contractID string, rec Record) (Record, error) {
	contract, err := s.GetContract(ctx, contractID)
	if err != nil {
		return Record{}, err
	}
	if contract.ContractStatus != ContractActive || !contract.MaterializationAllowed {
		return Record{}, fmt.Errorf("%w: contract %s cannot promote records", ErrContractState, contract.ContractStatus)
	}
	rec.TenantID = contract.TenantID
	rec.SourceBoundaryContractID = contract.ContractID
	return s.records.Promote(ctx, rec)
}

func scopeContains(scope map[string]interface{}, userID string) bool {
	if scope == nil {
		return false
	}
	ids, ok := scope["user_ids"].([]interface{})
	if !ok {
		if typed, ok := scope["user_ids"].([]string); ok {
			for _, id := range typed {
				if id == userID {
					return true
				}
			}
		}
		return false
	}
	for _, id := range ids {
		if s, ok := id.(string); ok && s == userID {
			return true
		}
	}
	return false
}

func (s *Steward) putContract(ctx context.Context, contract Contract) error {
	doc, err := docFromContract(contract)
	if err != nil {
		return err
	}
	if err := s.rows.Put(ctx, tableContracts, contract.ContractID, doc); err != nil {
		return fmt.Errorf("contract put failed: %w", err)
	}
	return nil
}

func docFromContract(c Contract) (map[string]interface{}, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("contract marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("contract doc decode failed: %w", err)
	}
	return doc, nil
}

func contractFromDoc(doc map[string]interface{}) (Contract, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Contract{}, fmt.Errorf("contract doc marshal failed: %w", err)
	}
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return Contract{}, fmt.Errorf("corrupt contract row: %w", err)
	}
	return c, nil
}

func docFromMaterialization(m Materialization) (map[string]interface{}, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("materialization marshal failed: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("materialization doc decode failed: %w", err)
	}
	return doc, nil
}

func materializationFromDoc(doc map[string]interface{}) (Materialization, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Materialization{}, fmt.Errorf("materialization doc marshal failed: %w", err)
	}
	var m Materialization
	if err := json.Unmarshal(data, &m); err != nil {
		return Materialization{}, fmt.Errorf("corrupt materialization row: %w", err)
	}
	return m, nil
}
