// Package repo implements the content-addressed map repository: schema-
// validated CRUD through the durable writer, a metadata index, a bounded
// hot index, and relevance scoring.
package repo

import (
	"encoding/json"
	"fmt"
)

// Status is a map record's lifecycle state.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Map is one map record. Beyond the stable fields, records carry arbitrary
// domain fields, preserved in Fields across read-modify-write cycles.
type Map struct {
	ID               string
	CreatedAt        string
	UpdatedAt        string
	Status           Status
	Tags             []string
	Version          int
	PlaybookRequired bool

	// Fields holds the record's domain payload outside the stable fields.
	Fields map[string]any
}

// stable field names, owned by the record shape rather than Fields.
var stableFields = map[string]bool{
	"id":                true,
	"created_at":        true,
	"updated_at":        true,
	"status":            true,
	"tags":              true,
	"version":           true,
	"playbook_required": true,
}

// MarshalJSON flattens stable fields and domain fields into one object.
func (m Map) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(m.Fields)+7)

	for key, value := range m.Fields {
		if stableFields[key] {
			continue // stable fields win over stray duplicates
		}

		doc[key] = value
	}

	doc["id"] = m.ID
	doc["created_at"] = m.CreatedAt
	doc["updated_at"] = m.UpdatedAt
	doc["status"] = string(m.Status)

	if m.Tags != nil {
		doc["tags"] = m.Tags
	}

	if m.Version > 0 {
		doc["version"] = m.Version
	}

	if m.PlaybookRequired {
		doc["playbook_required"] = true
	}

	return json.Marshal(doc)
}

// UnmarshalJSON splits an object into stable fields and domain fields.
func (m *Map) UnmarshalJSON(data []byte) error {
	var doc map[string]any

	err := json.Unmarshal(data, &doc)
	if err != nil {
		return err
	}

	next := Map{Fields: make(map[string]any)}

	for key, value := range doc {
		if !stableFields[key] {
			next.Fields[key] = value

			continue
		}

		switch key {
		case "id":
			next.ID, _ = value.(string)
		case "created_at":
			next.CreatedAt, _ = value.(string)
		case "updated_at":
			next.UpdatedAt, _ = value.(string)
		case "status":
			s, _ := value.(string)
			next.Status = Status(s)
		case "tags":
			items, ok := value.([]any)
			if !ok {
				return fmt.Errorf("tags must be an array")
			}

			for _, item := range items {
				tag, ok := item.(string)
				if !ok {
					return fmt.Errorf("tags must be strings")
				}

				next.Tags = append(next.Tags, tag)
			}
		case "version":
			f, ok := value.(float64)
			if !ok {
				return fmt.Errorf("version must be a number")
			}

			next.Version = int(f)
		case "playbook_required":
			next.PlaybookRequired, _ = value.(bool)
		}
	}

	*m = next

	return nil
}

// Metadata is the index-level view of a map.
type Metadata struct {
	ID               string   `json:"id"`
	Status           Status   `json:"status"`
	Tags             []string `json:"tags,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	PlaybookRequired bool     `json:"playbook_required,omitempty"`
}

func (m Map) metadata() Metadata {
	return Metadata{
		ID:               m.ID,
		Status:           m.Status,
		Tags:             m.Tags,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		PlaybookRequired: m.PlaybookRequired,
	}
}
