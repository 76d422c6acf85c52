package store

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed findings.schema.json
var findingsSchemaJSON string

var findingsSchema = jsonschema.MustCompileString("findings.schema.json", findingsSchemaJSON)

// HasArtifact reports whether a complete, well-formed extraction artifact
// exists. Used by the orchestrator to skip the extraction stage on resume;
// a half-written or invalid artifact counts as absent.
func (s *Store) HasArtifact(analysisID string) bool {
	if _, err := os.Stat(filepath.Join(s.Dir(analysisID), FileExtraction)); err != nil {
		return false
	}
	_, err := s.LoadArtifact(analysisID)
	return err == nil
}

// HasFindings reports whether a schema-valid findings file exists.
func (s *Store) HasFindings(analysisID string) bool {
	data, err := os.ReadFile(filepath.Join(s.Dir(analysisID), FileFindings))
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	return findingsSchema.Validate(doc) == nil
}
