// Package gpkg exposes one feature table of a GeoPackage as a feature.Source:
// typed attributes, declared schema and the table's coordinate reference
// system.
package gpkg

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/pdok/shovel/feature"
)

type featureGPKG struct {
	id       string
	columns  []interface{}
	geometry geom.Geometry
}

func (f *featureGPKG) ID() string              { return f.id }
func (f *featureGPKG) Geometry() geom.Geometry { return f.geometry }
func (f *featureGPKG) Columns() []interface{}  { return f.columns }

type column struct {
	cid       int
	name      string
	ctype     string
	notnull   int
	dfltValue *string
	pk        int
}

type table struct {
	name     string
	columns  []column
	gcolumn  string
	pkcolumn string
	srsID    int
}

// SourceGeopackage reads one feature table. It holds a single read cursor at
// a time and is meant for one open-and-scan.
type SourceGeopackage struct {
	handle *gpkg.Handle
	table  table
	schema *feature.Schema
	srid   int
}

// Open opens the GeoPackage and binds to the feature table named layer, or
// to the first feature table when layer is empty.
func Open(file string, layer string) (*SourceGeopackage, error) {
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage: %w", err)
	}
	source := &SourceGeopackage{handle: handle}
	if err := source.readTableInfo(layer); err != nil {
		handle.Close()
		return nil, err
	}
	return source, nil
}

func (source *SourceGeopackage) Close() {
	source.handle.Close()
}

// Layer returns the name of the feature table being read.
func (source *SourceGeopackage) Layer() string { return source.table.name }

func (source *SourceGeopackage) Schema() *feature.Schema { return source.schema }

// SRID returns the EPSG code of the table's spatial reference system, 0 when
// the GeoPackage declares none (or one owned by another authority).
func (source *SourceGeopackage) SRID() int { return source.srid }

// ReadFeatures scans the feature table in storage order and calls fn for
// every feature. A non-nil error from fn aborts the scan.
func (source *SourceGeopackage) ReadFeatures(fn func(feature.Feature) error) error {
	rows, err := source.handle.Query(source.table.selectSQL())
	if err != nil {
		return fmt.Errorf("error reading features: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("error reading the columns: %w", err)
	}

	for rows.Next() {
		vals := make([]interface{}, len(cols))
		valPtrs := make([]interface{}, len(cols))
		for i := 0; i < len(cols); i++ {
			valPtrs[i] = &vals[i]
		}
		if err := rows.Scan(valPtrs...); err != nil {
			return fmt.Errorf("error reading row values: %w", err)
		}

		f, err := source.toFeature(cols, vals)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (source *SourceGeopackage) toFeature(cols []string, vals []interface{}) (*featureGPKG, error) {
	f := &featureGPKG{}
	for i, colName := range cols {
		switch colName {
		case source.table.pkcolumn:
			f.id = fmt.Sprint(vals[i])
		case source.table.gcolumn:
			raw, ok := vals[i].([]byte)
			if !ok {
				return nil, fmt.Errorf("feature table %q holds no binary geometry in column %q", source.table.name, colName)
			}
			sb, err := gpkg.DecodeGeometry(raw)
			if err != nil {
				return nil, fmt.Errorf("error decoding the geometry: %w", err)
			}
			f.geometry = sb.Geometry
		default:
			switch v := vals[i].(type) {
			case []uint8:
				f.columns = append(f.columns, string(v))
			case int64, float64, bool, string, time.Time:
				f.columns = append(f.columns, v)
			case nil:
				f.columns = append(f.columns, nil)
			default:
				return nil, fmt.Errorf("unexpected type for sqlite column data: %v: %T", colName, v)
			}
		}
	}
	return f, nil
}

func (source *SourceGeopackage) readTableInfo(layer string) error {
	tables, err := source.featureTables()
	if err != nil {
		return err
	}

	found := false
	for _, t := range tables {
		if layer == "" || t.name == layer {
			source.table = t
			found = true
			break
		}
	}
	if !found {
		if layer == "" {
			return fmt.Errorf("no feature tables in GeoPackage")
		}
		return fmt.Errorf("no feature table %q in GeoPackage", layer)
	}

	columns, err := source.tableColumns(source.table.name)
	if err != nil {
		return err
	}
	source.table.columns = columns
	for _, c := range columns {
		if c.pk == 1 {
			source.table.pkcolumn = c.name
			break
		}
	}

	source.schema = buildSchema(source.table)
	source.srid, err = source.epsgCode(source.table.srsID)
	return err
}

func (source *SourceGeopackage) featureTables() ([]table, error) {
	query := `SELECT table_name, column_name, srs_id FROM gpkg_geometry_columns;`
	rows, err := source.handle.Query(query)
	if err != nil {
		return nil, fmt.Errorf("error reading the geometry columns: %w", err)
	}
	defer rows.Close()

	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.name, &t.gcolumn, &t.srsID); err != nil {
			return nil, fmt.Errorf("error reading the source table information: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// tableColumns collects the column information of a given table
func (source *SourceGeopackage) tableColumns(name string) ([]column, error) {
	query := `PRAGMA table_info('%v');`
	rows, err := source.handle.Query(fmt.Sprintf(query, name))
	if err != nil {
		return nil, fmt.Errorf("error reading the column information: %w", err)
	}
	defer rows.Close()

	var columns []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.cid, &c.name, &c.ctype, &c.notnull, &c.dfltValue, &c.pk); err != nil {
			return nil, fmt.Errorf("error reading the column information: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// epsgCode resolves a gpkg srs_id to an EPSG code. srs_id 0 and -1 are the
// "undefined" reference systems.
func (source *SourceGeopackage) epsgCode(srsID int) (int, error) {
	if srsID <= 0 {
		return 0, nil
	}
	query := `SELECT organization, organization_coordsys_id FROM gpkg_spatial_ref_sys WHERE srs_id = %v;`
	row := source.handle.QueryRow(fmt.Sprintf(query, srsID))

	var organization string
	var code int
	if err := row.Scan(&organization, &code); err != nil {
		return 0, fmt.Errorf("error reading the spatial reference system: %w", err)
	}
	if !strings.EqualFold(organization, "EPSG") || code <= 0 {
		return 0, nil
	}
	return code, nil
}

// selectSQL builds a SELECT statement based on the table and columns,
// used for reading the source features
func (t table) selectSQL() string {
	var csql []string
	for _, c := range t.columns {
		csql = append(csql, `"`+c.name+`"`)
	}
	return `SELECT ` + strings.Join(csql, `,`) + ` FROM "` + t.name + `";`
}

// buildSchema derives the attribute schema from the column metadata. The
// geometry column and the primary key are not attributes.
func buildSchema(t table) *feature.Schema {
	schema := feature.NewSchema()
	for _, c := range t.columns {
		if c.name == t.gcolumn || c.pk == 1 {
			continue
		}
		schema.Set(c.name, parseDeclaredType(c.ctype))
	}
	return schema
}

// parseDeclaredType maps a declared sqlite/gpkg column type to a field kind,
// picking up a declared maximum length like TEXT(10) along the way.
func parseDeclaredType(declared string) feature.Field {
	base := strings.ToUpper(strings.TrimSpace(declared))
	width := 0
	if open := strings.Index(base, "("); open >= 0 {
		if end := strings.LastIndex(base, ")"); end > open {
			if w, err := strconv.Atoi(strings.TrimSpace(base[open+1 : end])); err == nil {
				width = w
			}
		}
		base = strings.TrimSpace(base[:open])
	}

	switch base {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
		return feature.Field{Kind: feature.Integer}
	case "FLOAT", "DOUBLE", "DOUBLE PRECISION", "REAL":
		return feature.Field{Kind: feature.Float}
	case "TEXT", "VARCHAR", "NVARCHAR", "CHAR", "NCHAR", "CLOB":
		return feature.Field{Kind: feature.String, Width: width}
	case "BOOLEAN", "BOOL":
		return feature.Field{Kind: feature.Boolean}
	case "DATE":
		return feature.Field{Kind: feature.Date}
	case "TIME":
		return feature.Field{Kind: feature.Time}
	case "DATETIME", "TIMESTAMP":
		return feature.Field{Kind: feature.DateTime}
	default:
		return feature.Field{Kind: feature.Other}
	}
}
