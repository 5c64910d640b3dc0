package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/loomworks/fabric/pkg/artifact"
	"github.com/loomworks/fabric/pkg/canonicalize"
	"github.com/loomworks/fabric/pkg/fault"
	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/semantic"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// embeddingDims is the dimensionality of the deterministic embedder.
const embeddingDims = 16

// parseContent reads a materialized file through the contract gate and
// produces an accepted parsed_content artifact. The intent self-saves; no
// separate save step exists for derived content.
func (r *Realm) parseContent(ec realm.ExecutionContext, intent realm.Intent) error {
	ctx := ec.Context()
	fileID := stringParam(intent.Parameters, "file_id")

	mat, data, err := ec.Steward().OpenMaterialized(ctx, ec.TenantID(), ec.UserID(), fileID)
	if err != nil {
		return mapGovernance(err)
	}

	records, schema, parserType := parseBytes(data, mat.MimeType)
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("parsed content marshal failed: %w", err)
	}

	var sources []string
	if fileArt, err := findFileArtifact(ec, fileID); err == nil {
		sources = []string{fileArt.ArtifactID}
	}

	draft, err := ec.EmitArtifact(realm.ArtifactSpec{
		Name:              "parsed_content",
		ArtifactType:      artifactTypeParsed,
		Purpose:           artifact.PurposeDecisionSupport,
		SourceArtifactIDs: sources,
		Descriptor: map[string]interface{}{
			"source_file_id":       fileID,
			"boundary_contract_id": mat.BoundaryContractID,
			"schema":               schema,
			"parser_type":          parserType,
			"record_count":         len(records),
		},
		Payload: payload,
	})
	if err != nil {
		return err
	}

	accepted, err := ec.Artifacts().TransitionLifecycle(ctx, ec.TenantID(), draft.ArtifactID,
		artifact.StateAccepted, "system", "parsed content is self-saving")
	if err != nil {
		return err
	}

	return ec.EmitEvent("content_parsed", map[string]interface{}{
		"file_id":        fileID,
		"parsed_file_id": accepted.ArtifactID,
		"parser_type":    parserType,
		"record_count":   len(records),
	})
}

// extractEmbeddings turns parsed content into a deterministic embedding,
// promotes it to a record of fact, and links the derivation.
func (r *Realm) extractEmbeddings(ec realm.ExecutionContext, intent realm.Intent) error {
	ctx := ec.Context()
	parsedID := stringParam(intent.Parameters, "parsed_file_id")

	parsed, payload, err := ec.Artifacts().Get(ctx, ec.TenantID(), parsedID, true)
	if err != nil {
		return mapGovernance(err)
	}
	if parsed.ArtifactType != artifactTypeParsed {
		return fault.Newf(fault.KindInvalidParameters, "artifact %s is %s, not parsed content", parsedID, parsed.ArtifactType)
	}

	fileID := stringParam(parsed.SemanticDescriptor, "source_file_id")
	contractID := stringParam(parsed.SemanticDescriptor, "boundary_contract_id")

	vector := embedVector(payload, embeddingDims)
	embeddingID := deterministicEmbeddingID(payload)

	rec, err := ec.Steward().PromoteToRecordOfFact(ctx, contractID, smartcity.Record{
		RecordType:      smartcity.RecordDeterministicEmbedding,
		SourceFileID:    fileID,
		EmbeddingID:     embeddingID,
		PromotedBy:      ec.UserID(),
		PromotionReason: "deterministic embedding extraction",
		Content: map[string]interface{}{
			"parsed_file_id": parsedID,
			"dimensions":     embeddingDims,
		},
	})
	if err != nil {
		return mapGovernance(err)
	}

	if err := ec.Semantic().Upsert(ctx, semantic.Embedding{
		ID:           embeddingID,
		TenantID:     ec.TenantID(),
		SourceFileID: fileID,
		RecordID:     rec.RecordID,
		Vector:       vector,
		Metadata: map[string]interface{}{
			"parsed_file_id": parsedID,
		},
	}); err != nil {
		return err
	}
	if err := ec.Semantic().LinkDerivation(ctx, embeddingID, fileID); err != nil {
		return err
	}

	_, err = ec.EmitArtifact(realm.ArtifactSpec{
		Name:              "embedding",
		ArtifactType:      artifactTypeEmbed,
		Purpose:           artifact.PurposeLearning,
		SourceArtifactIDs: []string{parsedID},
		Descriptor: map[string]interface{}{
			"embedding_id":   embeddingID,
			"record_id":      rec.RecordID,
			"source_file_id": fileID,
			"dimensions":     embeddingDims,
		},
	})
	return err
}

// parseBytes converts raw file bytes into records. The parser is picked by
// mime type; anything unrecognized falls back to line splitting.
func parseBytes(data []byte, mimeType string) (records []map[string]interface{}, schema, parserType string) {
	switch {
	case strings.HasPrefix(mimeType, "application/json"):
		if recs, ok := parseJSON(data); ok {
			return recs, "json_records", "json"
		}
	case strings.HasPrefix(mimeType, "text/csv"):
		if recs, header, ok := parseCSV(data); ok {
			return recs, "csv:" + strings.Join(header, ","), "csv"
		}
	}

	var lines []map[string]interface{}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, map[string]interface{}{
			"line_number": i + 1,
			"text":        line,
		})
	}
	if lines == nil {
		lines = []map[string]interface{}{}
	}
	return lines, "text_lines", "plaintext"
}

func parseJSON(data []byte) ([]map[string]interface{}, bool) {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err == nil {
		recs := make([]map[string]interface{}, 0, len(arr))
		for i, item := range arr {
			if m, ok := item.(map[string]interface{}); ok {
				recs = append(recs, m)
			} else {
				recs = append(recs, map[string]interface{}{"index": i, "value": item})
			}
		}
		return recs, true
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil {
		return []map[string]interface{}{obj}, true
	}
	return nil, false
}

func parseCSV(data []byte) ([]map[string]interface{}, []string, bool) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, nil, false
	}
	header := rows[0]
	recs := make([]map[string]interface{}, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		recs = append(recs, rec)
	}
	return recs, header, true
}

// embedVector is the deterministic reference embedder: an expanded SHA-256
// stream mapped into a unit vector. The same bytes always produce the same
// vector, which keeps extraction idempotent under retry.
func embedVector(data []byte, dims int) []float32 {
	vec := make([]float32, dims)
	seed := sha256.Sum256(data)
	block := seed[:]
	var norm float64
	for i := 0; i < dims; i++ {
		if i%4 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		raw := binary.BigEndian.Uint64(block[(i%4)*8 : (i%4)*8+8])
		v := float64(int64(raw)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func deterministicEmbeddingID(data []byte) string {
	hash := strings.TrimPrefix(canonicalize.ContentHash(data), "sha256:")
	return "emb-" + hash[:16]
}
