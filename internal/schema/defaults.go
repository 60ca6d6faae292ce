package schema

import (
	"encoding/json"
	"fmt"

	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/layout"
)

// toJSONValue round-trips v through encoding/json into generic form.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any

	err = json.Unmarshal(raw, &generic)
	if err != nil {
		return nil, err
	}

	return generic, nil
}

// defaultSchemas are installed into _schema/ on store initialization when
// absent. The on-disk copies remain authoritative: operators may tighten
// them and the validator will pick up the edited versions.
var defaultSchemas = map[string]string{
	"map": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "map",
  "type": "object",
  "required": ["id", "created_at", "updated_at", "status"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9]+(-[a-z0-9]+)*$"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "status": {"type": "string", "enum": ["draft", "active", "archived", "deleted"]},
    "tags": {"type": "array", "items": {"type": "string"}},
    "version": {"type": "integer", "minimum": 1},
    "playbook_required": {"type": "boolean"}
  }
}`,
	"run": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "run",
  "type": "object",
  "required": ["id", "state", "started_at"],
  "properties": {
    "id": {"type": "string", "pattern": "^run-[0-9]+-[0-9a-f]{8}$"},
    "state": {"type": "string", "enum": ["executing", "succeeded", "failed", "partially_succeeded"]},
    "payload": {},
    "started_at": {"type": "string"},
    "finished_at": {"type": "string"},
    "duration_ms": {"type": "integer", "minimum": 0},
    "notes": {"type": "array", "items": {"type": "string"}}
  }
}`,
	"incident": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "incident",
  "type": "object",
  "required": ["id", "status", "severity", "summary", "started_at"],
  "properties": {
    "id": {"type": "string", "pattern": "^incident-[0-9]+-[0-9a-f]{8}$"},
    "status": {"type": "string", "enum": ["open", "resolved"]},
    "severity": {"type": "string"},
    "summary": {"type": "string"},
    "started_at": {"type": "string"},
    "resolved_at": {"type": "string"},
    "notes": {"type": "array", "items": {"type": "string"}},
    "rca": {"type": "string"},
    "related_maps": {"type": "array", "items": {"type": "string"}}
  }
}`,
}

// EnsureDefaults installs any missing default schema files. Existing files
// are never overwritten.
func EnsureDefaults(fsys fs.FS, root layout.Root) error {
	for name, body := range defaultSchemas {
		path := root.SchemaPath(name)

		exists, err := fsys.Exists(path)
		if err != nil {
			return fmt.Errorf("check schema %s: %w", name, err)
		}

		if exists {
			continue
		}

		err = fs.WriteJSONDurable(fsys, path, []byte(body+"\n"))
		if err != nil {
			return fmt.Errorf("install schema %s: %w", name, err)
		}
	}

	return nil
}
