package redshift

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/shovel/feature"
)

// MapSchema derives the Redshift column type for every attribute in the
// schema, preserving declared order. The mapping is total: unrecognized kinds
// fall back to VARCHAR(MAX). The geometry column is not part of the mapping,
// the caller prepends it when building DDL.
func MapSchema(schema *feature.Schema) *orderedmap.OrderedMap[string, string] {
	mapping := orderedmap.New[string, string]()
	for pair := schema.Oldest(); pair != nil; pair = pair.Next() {
		mapping.Set(pair.Key, columnType(pair.Value))
	}
	return mapping
}

func columnType(field feature.Field) string {
	switch field.Kind {
	case feature.Integer:
		return "BIGINT"
	case feature.Float:
		return "DOUBLE PRECISION"
	case feature.String:
		if field.Width > 0 {
			return fmt.Sprintf("VARCHAR(%d)", field.Width)
		}
		return "VARCHAR(MAX)"
	case feature.Boolean:
		return "BOOLEAN"
	case feature.Date:
		return "DATE"
	case feature.Time:
		return "TIME"
	case feature.DateTime:
		return "TIMESTAMP"
	default:
		return "VARCHAR(MAX)"
	}
}

// CreateTableStatement builds the DDL for the target table: a leading geom
// GEOMETRY column followed by the mapped attribute columns in order.
func CreateTableStatement(table string, mapping *orderedmap.OrderedMap[string, string]) string {
	columns := []string{"geom GEOMETRY"}
	for pair := mapping.Oldest(); pair != nil; pair = pair.Next() {
		columns = append(columns, pair.Key+" "+pair.Value)
	}
	return fmt.Sprintf("CREATE TABLE %s(%s)", table, strings.Join(columns, ", "))
}

// CopyStatement builds the bulk-load statement for a headered CSV on S3. The
// TIMEFORMAT matches the datetime serialization of the transcoder.
func CopyStatement(table, s3Path, roleARN string) string {
	return fmt.Sprintf("COPY %s FROM '%s' IAM_ROLE '%s' FORMAT CSV IGNOREHEADER 1 TIMEFORMAT 'YYYY-MM-DDTHH:MI:SS'",
		table, s3Path, roleARN)
}
