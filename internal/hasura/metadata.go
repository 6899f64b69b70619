package hasura

import (
	"encoding/json"
	"errors"
)

// Metadata is the subset of an export_metadata payload this service reads
type Metadata struct {
	Version int      `json:"version"`
	Sources []Source `json:"sources"`
}

// Source is a tracked data source
type Source struct {
	Name   string         `json:"name"`
	Kind   string         `json:"kind"`
	Tables []TrackedTable `json:"tables"`
}

// TrackedTable is a table exposed by the gateway with its relationships
type TrackedTable struct {
	Table               QualifiedTable `json:"table"`
	ObjectRelationships []Relationship `json:"object_relationships,omitempty"`
	ArrayRelationships  []Relationship `json:"array_relationships,omitempty"`
}

// QualifiedTable is a schema-qualified table name. It decodes from either
// {"schema": "...", "name": "..."} or a bare string.
type QualifiedTable struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// UnmarshalJSON accepts both the object and the legacy string form
func (q *QualifiedTable) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		q.Schema, q.Name = "public", name
		return nil
	}
	type plain QualifiedTable
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Schema == "" {
		p.Schema = "public"
	}
	*q = QualifiedTable(p)
	return nil
}

// FieldName is the root field the gateway exposes for the table
func (q QualifiedTable) FieldName() string {
	if q.Schema == "" || q.Schema == "public" {
		return q.Name
	}
	return q.Schema + "_" + q.Name
}

// QualifiedName is the table name prefixed with its schema unless public
func (q QualifiedTable) QualifiedName() string {
	if q.Schema == "" || q.Schema == "public" {
		return q.Name
	}
	return q.Schema + "." + q.Name
}

// Relationship is an object or array relationship definition
type Relationship struct {
	Name  string            `json:"name"`
	Using RelationshipUsing `json:"using"`
}

// RelationshipUsing describes how a relationship is joined
type RelationshipUsing struct {
	ForeignKeyConstraintOn json.RawMessage      `json:"foreign_key_constraint_on,omitempty"`
	ManualConfiguration    *ManualConfiguration `json:"manual_configuration,omitempty"`
}

// ManualConfiguration is a relationship declared without a database constraint
type ManualConfiguration struct {
	RemoteTable   QualifiedTable    `json:"remote_table"`
	ColumnMapping map[string]string `json:"column_mapping"`
}

// ForeignKeyRef is a decoded foreign_key_constraint_on value
type ForeignKeyRef struct {
	Table   *QualifiedTable
	Columns []string
}

// ForeignKey decodes foreign_key_constraint_on, which is either a column name,
// {"column": c}, {"columns": [...]} or the array form {"table": t, "column": c}
func (u RelationshipUsing) ForeignKey() (ForeignKeyRef, bool) {
	if len(u.ForeignKeyConstraintOn) == 0 {
		return ForeignKeyRef{}, false
	}

	var column string
	if err := json.Unmarshal(u.ForeignKeyConstraintOn, &column); err == nil {
		return ForeignKeyRef{Columns: []string{column}}, column != ""
	}

	var obj struct {
		Table   *QualifiedTable `json:"table"`
		Column  string          `json:"column"`
		Columns []string        `json:"columns"`
	}
	if err := json.Unmarshal(u.ForeignKeyConstraintOn, &obj); err != nil {
		return ForeignKeyRef{}, false
	}
	ref := ForeignKeyRef{Table: obj.Table, Columns: obj.Columns}
	if obj.Column != "" {
		ref.Columns = append([]string{obj.Column}, ref.Columns...)
	}
	return ref, len(ref.Columns) > 0
}

// ParseMetadata decodes an export_metadata response body
func ParseMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	if md.Sources == nil {
		// Some gateways wrap the export as {"metadata": {...}}
		var wrapped struct {
			Metadata *Metadata `json:"metadata"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Metadata != nil {
			return wrapped.Metadata, nil
		}
		if md.Version == 0 {
			return nil, errors.New("no sources in metadata")
		}
	}
	return &md, nil
}

// Tables returns every tracked table across sources, in metadata order
func (m *Metadata) Tables() []TrackedTable {
	var out []TrackedTable
	for _, s := range m.Sources {
		for _, t := range s.Tables {
			if t.Table.Name != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
