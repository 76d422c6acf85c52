package rulepack

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

//go:embed rulepack.schema.json
var schemaJSON string

var packSchema = jsonschema.MustCompileString("rulepack.schema.json", schemaJSON)

// validateSchema checks the structural shape of a rulepack document before
// semantic validation, so malformed packs fail with a precise path.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return analysis.Errorf(analysis.CodeRulepackMalformed, "yaml: %v", err)
	}
	// Round-trip through JSON so YAML-specific scalar types (timestamps,
	// integer keys) become plain JSON values the validator understands.
	raw, err := json.Marshal(doc)
	if err != nil {
		return analysis.Errorf(analysis.CodeRulepackMalformed, "not JSON-representable: %v", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return analysis.Errorf(analysis.CodeRulepackMalformed, "%v", err)
	}
	if err := packSchema.Validate(jsonDoc); err != nil {
		msg := err.Error()
		if ve, ok := err.(*jsonschema.ValidationError); ok && len(ve.Causes) > 0 {
			msg = strings.TrimSpace(ve.Causes[0].Error())
		}
		return analysis.Errorf(analysis.CodeRulepackMalformed, "schema: %s", msg)
	}
	return nil
}
