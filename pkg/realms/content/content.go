// Package content is the reference content realm: file ingestion under the
// two-phase materialization protocol, parsing, deterministic embedding
// extraction, and workspace-scoped file access.
package content

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/smartcity"
)

const (
	IntentIngestFile          = "ingest_file"
	IntentSaveMaterialization = "save_materialization"
	IntentParseContent        = "parse_content"
	IntentExtractEmbeddings   = "extract_embeddings"
	IntentListFiles           = "list_files"
	IntentGetFile             = "get_file"
	IntentArchiveFile         = "archive_file"
)

const (
	artifactTypeFile     = "file"
	artifactTypeParsed   = "parsed_content"
	artifactTypeEmbed    = "embedding"
	artifactTypeFileList = "file_list"
	artifactTypeFileView = "file_view"
)

// Realm serves the content intents.
type Realm struct {
	logger *slog.Logger
}

// New creates the content realm.
func New(logger *slog.Logger) *Realm {
	if logger == nil {
		logger = slog.Default()
	}
	return &Realm{logger: logger.With("component", "realm.content")}
}

func (r *Realm) Name() string { return "content" }

const ingestFileSchema = `{
	"type": "object",
	"required": ["content", "ui_name", "file_type", "mime_type"],
	"properties": {
		"content":   {"type": "string"},
		"ui_name":   {"type": "string", "minLength": 1},
		"file_type": {"type": "string", "enum": ["structured", "unstructured"]},
		"mime_type": {"type": "string", "minLength": 1}
	}
}`

const saveMaterializationSchema = `{
	"type": "object",
	"required": ["boundary_contract_id", "file_id"],
	"properties": {
		"boundary_contract_id": {"type": "string", "minLength": 1},
		"file_id":              {"type": "string", "minLength": 1},
		"materialization_type": {"type": "string"}
	}
}`

const fileIDSchema = `{
	"type": "object",
	"required": ["file_id"],
	"properties": {
		"file_id": {"type": "string", "minLength": 1},
		"reason":  {"type": "string"}
	}
}`

const parsedFileIDSchema = `{
	"type": "object",
	"required": ["parsed_file_id"],
	"properties": {
		"parsed_file_id": {"type": "string", "minLength": 1}
	}
}`

const emptySchema = `{"type": "object"}`

func (r *Realm) Registrations() []realm.Registration {
	return []realm.Registration{
		{IntentType: IntentIngestFile, Schema: json.RawMessage(ingestFileSchema)},
		{IntentType: IntentSaveMaterialization, Schema: json.RawMessage(saveMaterializationSchema)},
		{IntentType: IntentParseContent, Schema: json.RawMessage(fileIDSchema)},
		{IntentType: IntentExtractEmbeddings, Schema: json.RawMessage(parsedFileIDSchema)},
		{IntentType: IntentListFiles, Schema: json.RawMessage(emptySchema)},
		{IntentType: IntentGetFile, Schema: json.RawMessage(fileIDSchema)},
		{IntentType: IntentArchiveFile, Schema: json.RawMessage(fileIDSchema)},
	}
}

func (r *Realm) HandleIntent(ec realm.ExecutionContext, intent realm.Intent) error {
	switch intent.IntentType {
	case IntentIngestFile:
		return r.ingestFile(ec, intent)
	case IntentSaveMaterialization:
		return r.saveMaterialization(ec, intent)
	case IntentParseContent:
		return r.parseContent(ec, intent)
	case IntentExtractEmbeddings:
		return r.extractEmbeddings(ec, intent)
	case IntentListFiles:
		return r.listFiles(ec, intent)
	case IntentGetFile:
		return r.getFile(ec, intent)
	case IntentArchiveFile:
		return r.archiveFile(ec, intent)
	default:
		return fault.Newf(fault.KindUnknownIntentType, "content realm cannot handle %q", intent.IntentType)
	}
}

// mapGovernance translates governance sentinels into the fault taxonomy.
func mapGovernance(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, smartcity.ErrDeniedByPolicy), errors.Is(err, smartcity.ErrScopeDenied):
		return fault.Wrap(fault.KindDeniedByPolicy, "governance denied the request", err)
	case errors.Is(err, smartcity.ErrContractState):
		return fault.Wrap(fault.KindDeniedByPolicy, "contract state does not permit this", err)
	case errors.Is(err, smartcity.ErrNotFound):
		return fault.Wrap(fault.KindNotFound, "unknown resource", err)
	case errors.Is(err, artifact.ErrNotFound):
		return fault.Wrap(fault.KindNotFound, "unknown artifact", err)
	case errors.Is(err, artifact.ErrVersionConflict):
		return fault.Wrap(fault.KindIntegrityViolation, "artifact version chain moved", err)
	default:
		return err
	}
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

// findFileArtifact resolves the file artifact carrying a given file id in
// its descriptor. Obsolete rows are skipped.
func findFileArtifact(ec realm.ExecutionContext, fileID string) (artifact.Artifact, error) {
	arts, err := ec.Artifacts().List(ec.Context(), ec.TenantID(), artifact.ListFilter{
		ArtifactType: artifactTypeFile,
		CurrentOnly:  true,
	}, 0, 0)
	if err != nil {
		return artifact.Artifact{}, err
	}
	for _, art := range arts {
		if art.LifecycleState == artifact.StateObsolete {
			continue
		}
		if id, _ := art.SemanticDescriptor["file_id"].(string); id == fileID {
			return art, nil
		}
	}
	return artifact.Artifact{}, fault.Newf(fault.KindNotFound, "no file artifact for file %s", fileID)
}

var _ realm.Realm = (*Realm)(nil)
