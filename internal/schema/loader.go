package schema

import (
	"context"
	"fmt"
	"sort"
)

// LoadTrackedTables returns the root field name of every table tracked in
// gateway metadata, sorted. These are the names the schema snapshot, the
// allow-lists and the generated queries share.
func LoadTrackedTables(ctx context.Context, src MetadataSource) ([]string, error) {
	md, err := src.ExportMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("export metadata: %w", err)
	}

	tracked := md.Tables()
	tables := make([]string, 0, len(tracked))
	for _, t := range tracked {
		tables = append(tables, t.Table.FieldName())
	}
	sort.Strings(tables)
	return tables, nil
}
