package content_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/capability"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/realms/content"
	"github.com/loomworks/fabric/pkg/realms/system"
	"github.com/loomworks/fabric/pkg/runtime"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
	"github.com/loomworks/fabric/pkg/wal"
)

type fabric struct {
	rt       *runtime.Runtime
	rows     *capability.MemoryRowStore
	blobs    *capability.MemoryBlobStore
	plane    *artifact.Plane
	steward  *smartcity.Steward
	records  *smartcity.RecordStore
	semantic *semantic.Store
}

func newFabric(t *testing.T) *fabric {
	t.Helper()
	rows := capability.NewMemoryRowStore()
	blobs := capability.NewMemoryBlobStore()
	graph := capability.NewMemoryGraphStore()

	plane := artifact.NewPlane(rows, blobs)
	records := smartcity.NewRecordStore(rows)
	engine, err := smartcity.NewPolicyEngine()
	require.NoError(t, err)
	policies := smartcity.NewPolicyStore(rows)
	steward := smartcity.NewSteward(rows, blobs, policies, engine, records)
	sem := semantic.NewStore(graph)

	rt := runtime.New(runtime.Config{
		Rows:     rows,
		PubSub:   capability.NewMemoryPubSub(),
		Log:      wal.NewLog(rows),
		Plane:    plane,
		Steward:  steward,
		Records:  records,
		Semantic: sem,
		Nurse:    smartcity.NewNurse(smartcity.RetryPolicy{MaxAttempts: 1}),
	})
	require.NoError(t, rt.Register(content.New(nil)))
	require.NoError(t, rt.Register(system.New(nil)))
	t.Cleanup(rt.Close)

	return &fabric{
		rt:       rt,
		rows:     rows,
		blobs:    blobs,
		plane:    plane,
		steward:  steward,
		records:  records,
		semantic: sem,
	}
}

// run admits an intent and waits for its terminal snapshot.
func (f *fabric) run(t *testing.T, userID, intentType string, params map[string]interface{}) runtime.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := f.rt.Admit(ctx, realm.Intent{
		IntentType: intentType,
		TenantID:   "t1",
		UserID:     userID,
		Parameters: params,
	}, nil)
	require.NoError(t, err)

	var done runtime.Execution
	require.Eventually(t, func() bool {
		e, err := f.rt.Status(ctx, "t1", exec.ExecutionID)
		if err != nil {
			return false
		}
		done = e
		return e.Status.Terminal()
	}, 3*time.Second, 5*time.Millisecond)
	return done
}

func eventData(t *testing.T, exec runtime.Execution, eventType string) map[string]interface{} {
	t.Helper()
	for _, event := range exec.Events {
		if event.EventType == eventType {
			return event.Data
		}
	}
	t.Fatalf("no %s event on execution %s", eventType, exec.ExecutionID)
	return nil
}

// ingestAndSave walks both phases and returns (fileID, contractID).
func (f *fabric) ingestAndSave(t *testing.T, userID string) (string, string) {
	t.Helper()
	ingest := f.run(t, userID, content.IntentIngestFile, map[string]interface{}{
		"content":   "Hello World",
		"ui_name":   "smoke.txt",
		"file_type": "unstructured",
		"mime_type": "text/plain",
	})
	require.Equal(t, runtime.StatusCompleted, ingest.Status)
	staged := eventData(t, ingest, "file_staged")
	fileID := staged["file_id"].(string)
	contractID := staged["boundary_contract_id"].(string)

	save := f.run(t, userID, content.IntentSaveMaterialization, map[string]interface{}{
		"boundary_contract_id": contractID,
		"file_id":              fileID,
	})
	require.Equal(t, runtime.StatusCompleted, save.Status)
	return fileID, contractID
}

func (f *fabric) listedFileIDs(t *testing.T, userID string) []string {
	t.Helper()
	ctx := context.Background()
	exec := f.run(t, userID, content.IntentListFiles, nil)
	require.Equal(t, runtime.StatusCompleted, exec.Status)

	_, payload, err := f.plane.Get(ctx, "t1", exec.Artifacts["file_list"], true)
	require.NoError(t, err)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry["file_id"].(string))
	}
	return ids
}

func TestIngestLeavesMaterializationPending(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)

	exec := f.run(t, "alice", content.IntentIngestFile, map[string]interface{}{
		"content":   "Hello World",
		"ui_name":   "smoke.txt",
		"file_type": "unstructured",
		"mime_type": "text/plain",
	})
	require.Equal(t, runtime.StatusCompleted, exec.Status)

	staged := eventData(t, exec, "file_staged")
	contract, err := f.steward.GetContract(ctx, staged["boundary_contract_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, smartcity.ContractPending, contract.ContractStatus)
	assert.True(t, contract.AccessGranted)
	assert.False(t, contract.MaterializationAllowed)

	// Phase A writes no index row.
	mats, err := f.steward.ListMaterializations(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(t, mats)

	art, _, err := f.plane.Get(ctx, "t1", exec.Artifacts["file"], false)
	require.NoError(t, err)
	assert.Equal(t, true, art.SemanticDescriptor["materialization_pending"])
	assert.Equal(t, artifact.StateDraft, art.LifecycleState)
}

func TestSaveMaterializationActivatesContract(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)
	fileID, contractID := f.ingestAndSave(t, "alice")

	contract, err := f.steward.GetContract(ctx, contractID)
	require.NoError(t, err)
	assert.Equal(t, smartcity.ContractActive, contract.ContractStatus)
	assert.True(t, contract.MaterializationAllowed)
	assert.Equal(t, "workspace", contract.ReferenceScope["scope_type"])

	mat, err := f.steward.GetMaterialization(ctx, "t1", "alice", fileID)
	require.NoError(t, err)
	assert.Equal(t, contractID, mat.BoundaryContractID)
	assert.Equal(t, smartcity.MaterializationFull, mat.RepresentationType)

	assert.Contains(t, f.listedFileIDs(t, "alice"), fileID)
	assert.NotContains(t, f.listedFileIDs(t, "bob"), fileID)
}

func TestGetFileOutsideScopeIsDenied(t *testing.T) {
	f := newFabric(t)
	fileID, _ := f.ingestAndSave(t, "alice")

	exec := f.run(t, "bob", content.IntentGetFile, map[string]interface{}{"file_id": fileID})
	assert.Equal(t, runtime.StatusFailed, exec.Status)
	assert.Equal(t, fault.KindDeniedByPolicy, exec.ErrorKind)

	mine := f.run(t, "alice", content.IntentGetFile, map[string]interface{}{"file_id": fileID})
	assert.Equal(t, runtime.StatusCompleted, mine.Status)
}

func TestParseThenExtractEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)
	fileID, _ := f.ingestAndSave(t, "alice")

	parse := f.run(t, "alice", content.IntentParseContent, map[string]interface{}{"file_id": fileID})
	require.Equal(t, runtime.StatusCompleted, parse.Status)
	parsed := eventData(t, parse, "content_parsed")
	parsedID := parsed["parsed_file_id"].(string)
	assert.Equal(t, "plaintext", parsed["parser_type"])
	assert.Equal(t, float64(1), parsed["record_count"])

	art, payload, err := f.plane.Get(ctx, "t1", parsedID, true)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateAccepted, art.LifecycleState)
	assert.Equal(t, fileID, art.SemanticDescriptor["source_file_id"])
	assert.NotEmpty(t, art.SourceArtifactIDs)

	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Hello World", records[0]["text"])

	extract := f.run(t, "alice", content.IntentExtractEmbeddings, map[string]interface{}{
		"parsed_file_id": parsedID,
	})
	require.Equal(t, runtime.StatusCompleted, extract.Status)

	facts, err := f.records.List(ctx, "t1", smartcity.RecordDeterministicEmbedding)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fileID, facts[0].SourceFileID)
	assert.Nil(t, facts[0].SourceExpiredAt)

	emb, err := f.semantic.Get(ctx, "t1", facts[0].EmbeddingID)
	require.NoError(t, err)
	assert.Equal(t, facts[0].RecordID, emb.RecordID)
	assert.Len(t, emb.Vector, 16)

	derived, err := f.semantic.DerivedFrom(ctx, emb.ID)
	require.NoError(t, err)
	assert.Contains(t, derived, fileID)
}

func TestPurgePreservesRecordsOfFact(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)
	fileID, contractID := f.ingestAndSave(t, "alice")

	parse := f.run(t, "alice", content.IntentParseContent, map[string]interface{}{"file_id": fileID})
	parsedID := eventData(t, parse, "content_parsed")["parsed_file_id"].(string)
	extract := f.run(t, "alice", content.IntentExtractEmbeddings, map[string]interface{}{
		"parsed_file_id": parsedID,
	})
	require.Equal(t, runtime.StatusCompleted, extract.Status)

	mat, err := f.steward.GetMaterialization(ctx, "t1", "alice", fileID)
	require.NoError(t, err)

	// Platform default TTL is 30 days; sweep as of day 31.
	purge := f.run(t, "system", system.IntentPurgeExpired, map[string]interface{}{
		"as_of": time.Now().UTC().Add(31 * 24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, runtime.StatusCompleted, purge.Status)
	assert.Equal(t, float64(1), eventData(t, purge, "purge_completed")["purged_count"])

	contract, err := f.steward.GetContract(ctx, contractID)
	require.NoError(t, err)
	assert.Equal(t, smartcity.ContractExpired, contract.ContractStatus)

	exists, err := f.blobs.Exists(ctx, capability.BlobRef(mat.FilePath))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.NotContains(t, f.listedFileIDs(t, "alice"), fileID)

	facts, err := f.records.List(ctx, "t1", smartcity.RecordDeterministicEmbedding)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.NotNil(t, facts[0].SourceExpiredAt)
}

func TestArchiveFileObsoletesArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)
	fileID, _ := f.ingestAndSave(t, "alice")

	exec := f.run(t, "alice", content.IntentArchiveFile, map[string]interface{}{
		"file_id": fileID,
		"reason":  "superseded upload",
	})
	require.Equal(t, runtime.StatusCompleted, exec.Status)

	archived := eventData(t, exec, "file_archived")
	art, _, err := f.plane.Get(ctx, "t1", archived["artifact_id"].(string), false)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateObsolete, art.LifecycleState)
	require.NotEmpty(t, art.LifecycleTransitions)
	assert.Equal(t, "superseded upload", art.LifecycleTransitions[len(art.LifecycleTransitions)-1].Reason)
}

func TestSaveWithUnknownFileFails(t *testing.T) {
	f := newFabric(t)
	exec := f.run(t, "alice", content.IntentSaveMaterialization, map[string]interface{}{
		"boundary_contract_id": "c-none",
		"file_id":              "f-none",
	})
	assert.Equal(t, runtime.StatusFailed, exec.Status)
	assert.Equal(t, fault.KindNotFound, exec.ErrorKind)
}

func TestIngestSchemaRejectsBadFileType(t *testing.T) {
	f := newFabric(t)
	_, err := f.rt.Admit(context.Background(), realm.Intent{
		IntentType: content.IntentIngestFile,
		TenantID:   "t1",
		UserID:     "alice",
		Parameters: map[string]interface{}{
			"content":   "x",
			"ui_name":   "x.bin",
			"file_type": "binary",
			"mime_type": "application/octet-stream",
		},
	}, nil)
	assert.Equal(t, fault.KindInvalidParameters, fault.KindOf(err))
}
