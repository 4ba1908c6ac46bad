package rolecard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"switchboard/internal/domain"
)

// cardSchema is applied after key normalization, so it names camelCase keys.
const cardSchema = `{
  "type": "object",
  "required": ["handle", "roleType", "pmoOffice"],
  "properties": {
    "handle":    {"type": "string", "minLength": 1},
    "roleType":  {"type": "string", "minLength": 1},
    "pmoOffice": {"type": "string", "minLength": 1},
    "identity":  {"type": "object"},
    "visualIdentity": {"type": "object"},
    "capabilities": {
      "type": "object",
      "properties": {
        "forbiddenActions": {"type": "array", "items": {"type": "string"}}
      }
    },
    "gates": {
      "type": "object",
      "properties": {
        "lucBudget": {
          "type": "object",
          "properties": {
            "required": {"type": "boolean"},
            "maxEstimatedCostUsd": {"type": "number", "minimum": 0}
          }
        },
        "security": {
          "type": "object",
          "properties": {
            "scopeLeastPrivilegeRequired": {"type": "boolean"}
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile([]byte(cardSchema))
})

// ParseFile reads and validates a single role card document.
func ParseFile(path string) (domain.RoleCard, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.RoleCard{}, fmt.Errorf("stat role card %s: %w", path, err)
	}
	if info.Size() > maxCardFileSize {
		return domain.RoleCard{}, fmt.Errorf("role card %s too large (%d bytes, max %d)", path, info.Size(), maxCardFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RoleCard{}, fmt.Errorf("read role card %s: %w", path, err)
	}

	card, err := Parse(data)
	if err != nil {
		return domain.RoleCard{}, fmt.Errorf("%s: %w", path, err)
	}
	card.Source = path
	return card, nil
}

// Parse decodes a JSON or YAML role card. Structural keys may be camelCase
// or snake_case; identity and visual identity blocks are kept verbatim.
func Parse(data []byte) (domain.RoleCard, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.RoleCard{}, fmt.Errorf("%w: decode: %v", domain.ErrRoleCardInvalid, err)
	}
	if raw == nil {
		return domain.RoleCard{}, fmt.Errorf("%w: empty document", domain.ErrRoleCardInvalid)
	}

	normalized := normalizeKeys(raw, structuralKeys)

	// Round-trip through JSON so numbers and nested maps have the shapes the
	// schema validator and the struct decoder expect.
	buf, err := json.Marshal(normalized)
	if err != nil {
		return domain.RoleCard{}, fmt.Errorf("%w: encode: %v", domain.ErrRoleCardInvalid, err)
	}
	var instance any
	if err := json.Unmarshal(buf, &instance); err != nil {
		return domain.RoleCard{}, fmt.Errorf("%w: re-decode: %v", domain.ErrRoleCardInvalid, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return domain.RoleCard{}, fmt.Errorf("compile role card schema: %w", err)
	}
	if result := schema.Validate(instance); !result.IsValid() {
		return domain.RoleCard{}, fmt.Errorf("%w: %s", domain.ErrRoleCardInvalid, result.Error())
	}

	var card domain.RoleCard
	if err := json.Unmarshal(buf, &card); err != nil {
		return domain.RoleCard{}, fmt.Errorf("%w: %v", domain.ErrRoleCardInvalid, err)
	}
	return card, nil
}

// structuralKeys describes which nested objects get their keys normalized.
// A nil value means the object's own keys are normalized but its children
// are left alone.
var structuralKeys = map[string]map[string]any{
	"capabilities": nil,
	"gates": {
		"lucBudget": nil,
		"security":  nil,
	},
}

func normalizeKeys(in map[string]any, nested map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		key := snakeToCamel(k)
		// An explicit camelCase key wins over its snake_case twin.
		if _, exists := out[key]; exists && key != k {
			continue
		}
		if child, ok := v.(map[string]any); ok {
			if sub, structural := nested[key]; structural {
				v = normalizeKeys(child, toNested(sub))
			}
		}
		out[key] = v
	}
	return out
}

func toNested(m map[string]any) map[string]map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(m))
	for k := range m {
		out[k] = nil
	}
	return out
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
