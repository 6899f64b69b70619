package schema

import (
	"sort"
	"strings"

	"github.com/kartoza/kartoza-pgql/internal/hasura"
)

// RelationshipSource tells where a foreign key link came from
type RelationshipSource string

const (
	// SourceMetadata links come from tracked relationships in gateway metadata
	SourceMetadata RelationshipSource = "metadata"
	// SourceNaming links are guessed from the X_id column naming convention
	SourceNaming RelationshipSource = "naming"
)

// Relationship links Table.Column to Target
type Relationship struct {
	Table  string             `json:"table"`
	Column string             `json:"column"`
	Target string             `json:"target"`
	Source RelationshipSource `json:"source"`
}

// InferRelationships links every X_id column to the first existing table among
// X, Xs, Xes and the -y to -ies plural. A table never links to itself.
func InferRelationships(tables []Table, names []string) []Relationship {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	var rels []Relationship
	for _, t := range tables {
		for _, c := range t.Columns {
			base, ok := strings.CutSuffix(c.Name, "_id")
			if !ok || base == "" {
				continue
			}
			candidates := []string{base, base + "s", base + "es", strings.TrimRight(base, "y") + "ies"}
			for _, cand := range candidates {
				if known[cand] && cand != t.Name {
					rels = append(rels, Relationship{Table: t.Name, Column: c.Name, Target: cand, Source: SourceNaming})
					break
				}
			}
		}
	}
	sortRelationships(rels)
	return rels
}

// MetadataRelationships reads authoritative links from tracked array
// relationships and manual configurations
func MetadataRelationships(md *hasura.Metadata) []Relationship {
	if md == nil {
		return nil
	}

	seen := map[string]bool{}
	var rels []Relationship
	add := func(table, column, target string) {
		key := table + "." + column
		if table == "" || column == "" || target == "" || seen[key] {
			return
		}
		seen[key] = true
		rels = append(rels, Relationship{Table: table, Column: column, Target: target, Source: SourceMetadata})
	}

	for _, tracked := range md.Tables() {
		owner := tracked.Table.FieldName()

		// An array relationship on the referenced table names the referencing
		// table and its foreign key column
		for _, rel := range tracked.ArrayRelationships {
			if ref, ok := rel.Using.ForeignKey(); ok && ref.Table != nil && len(ref.Columns) == 1 {
				add(ref.Table.FieldName(), ref.Columns[0], owner)
			}
		}

		for _, rel := range tracked.ObjectRelationships {
			if mc := rel.Using.ManualConfiguration; mc != nil && len(mc.ColumnMapping) == 1 {
				for local := range mc.ColumnMapping {
					add(owner, local, mc.RemoteTable.FieldName())
				}
			}
		}
	}
	sortRelationships(rels)
	return rels
}

// MergeRelationships combines authoritative and heuristic links. A metadata
// link wins for its column; heuristic links fill columns metadata leaves
// uncovered. Links touching tables outside tables are dropped.
func MergeRelationships(authoritative, heuristic []Relationship, tables []Table) []Relationship {
	columns := map[string]bool{}
	described := map[string]bool{}
	for _, t := range tables {
		described[t.Name] = true
		for _, c := range t.Columns {
			columns[t.Name+"."+c.Name] = true
		}
	}

	covered := map[string]bool{}
	var out []Relationship
	for _, r := range authoritative {
		key := r.Table + "." + r.Column
		if !columns[key] || !described[r.Target] {
			continue
		}
		covered[key] = true
		out = append(out, r)
	}
	for _, r := range heuristic {
		if covered[r.Table+"."+r.Column] {
			continue
		}
		out = append(out, r)
	}
	sortRelationships(out)
	return out
}

func sortRelationships(rels []Relationship) {
	sort.SliceStable(rels, func(i, j int) bool {
		if rels[i].Table != rels[j].Table {
			return rels[i].Table < rels[j].Table
		}
		return rels[i].Column < rels[j].Column
	})
}
