package gpkg

import (
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/shovel/feature"
)

// createTestGeopackage writes a small feature table the way texel-style
// tooling does: plain table, gpkg geometry registration, binary geometries.
func createTestGeopackage(t *testing.T, srsID int32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "places.gpkg")

	handle, err := gpkg.Open(path)
	require.NoError(t, err)
	defer handle.Close()

	if srsID > 0 {
		err = handle.UpdateSRS(gpkg.SpatialReferenceSystem{
			Name:                   "WGS 84",
			ID:                     4326,
			Organization:           "EPSG",
			OrganizationCoordsysID: 4326,
			Definition:             `GEOGCS["WGS 84"]`,
		})
		require.NoError(t, err)
	}

	_, err = handle.Exec(`CREATE TABLE places(fid INTEGER PRIMARY KEY, name TEXT(10), pop INTEGER, geom BLOB);`)
	require.NoError(t, err)

	err = handle.AddGeometryTable(gpkg.TableDescription{
		Name:          "places",
		ShortName:     "places",
		Description:   "places",
		GeometryField: "geom",
		GeometryType:  gpkg.Point,
		SRS:           srsID,
		Z:             gpkg.Prohibited,
		M:             gpkg.Prohibited,
	})
	require.NoError(t, err)

	tx, err := handle.Begin()
	require.NoError(t, err)
	stmt, err := tx.Prepare(`INSERT INTO places(name, pop, geom) VALUES(?, ?, ?)`)
	require.NoError(t, err)

	rows := []struct {
		name  string
		pop   int64
		point geom.Point
	}{
		{"Amersfoort", 158531, geom.Point{5.38763, 52.15517}},
		{"Amsterdam", 921402, geom.Point{4.89707, 52.37403}},
	}
	for _, row := range rows {
		sb, err := gpkg.NewBinary(srsID, row.point)
		require.NoError(t, err)
		_, err = stmt.Exec(row.name, row.pop, sb)
		require.NoError(t, err)
	}
	require.NoError(t, stmt.Close())
	require.NoError(t, tx.Commit())

	return path
}

func TestOpenReadsSchemaAndSRID(t *testing.T) {
	path := createTestGeopackage(t, 4326)

	source, err := Open(path, "")
	require.NoError(t, err)
	defer source.Close()

	assert.Equal(t, "places", source.Layer())
	assert.Equal(t, 4326, source.SRID())
	assert.Equal(t, []string{"name", "pop"}, source.Schema().Names())

	name, ok := source.Schema().Get("name")
	require.True(t, ok)
	assert.Equal(t, feature.Field{Kind: feature.String, Width: 10}, name)

	pop, ok := source.Schema().Get("pop")
	require.True(t, ok)
	assert.Equal(t, feature.Field{Kind: feature.Integer}, pop)
}

func TestOpenWithoutCRS(t *testing.T) {
	path := createTestGeopackage(t, 0)

	source, err := Open(path, "places")
	require.NoError(t, err)
	defer source.Close()

	assert.Equal(t, 0, source.SRID())
}

func TestOpenUnknownLayer(t *testing.T) {
	path := createTestGeopackage(t, 4326)

	_, err := Open(path, "nope")
	require.ErrorContains(t, err, `no feature table "nope"`)
}

func TestReadFeatures(t *testing.T) {
	path := createTestGeopackage(t, 4326)

	source, err := Open(path, "")
	require.NoError(t, err)
	defer source.Close()

	var ids []string
	var geometries []geom.Geometry
	var columns [][]interface{}
	err = source.ReadFeatures(func(f feature.Feature) error {
		ids = append(ids, f.ID())
		geometries = append(geometries, f.Geometry())
		columns = append(columns, f.Columns())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, ids)
	assert.EqualValues(t, geom.Point{5.38763, 52.15517}, geometries[0])
	assert.EqualValues(t, geom.Point{4.89707, 52.37403}, geometries[1])
	assert.Equal(t, []interface{}{"Amersfoort", int64(158531)}, columns[0])
	assert.Equal(t, []interface{}{"Amsterdam", int64(921402)}, columns[1])
}

func TestReadFeaturesAbortsOnCallbackError(t *testing.T) {
	path := createTestGeopackage(t, 4326)

	source, err := Open(path, "")
	require.NoError(t, err)
	defer source.Close()

	calls := 0
	sentinel := assert.AnError
	err = source.ReadFeatures(func(feature.Feature) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestParseDeclaredType(t *testing.T) {
	tests := []struct {
		declared string
		want     feature.Field
	}{
		{"INTEGER", feature.Field{Kind: feature.Integer}},
		{"int", feature.Field{Kind: feature.Integer}},
		{"MEDIUMINT", feature.Field{Kind: feature.Integer}},
		{"DOUBLE", feature.Field{Kind: feature.Float}},
		{"REAL", feature.Field{Kind: feature.Float}},
		{"TEXT", feature.Field{Kind: feature.String}},
		{"TEXT(10)", feature.Field{Kind: feature.String, Width: 10}},
		{"VARCHAR( 254 )", feature.Field{Kind: feature.String, Width: 254}},
		{"BOOLEAN", feature.Field{Kind: feature.Boolean}},
		{"DATE", feature.Field{Kind: feature.Date}},
		{"TIME", feature.Field{Kind: feature.Time}},
		{"DATETIME", feature.Field{Kind: feature.DateTime}},
		{"TIMESTAMP", feature.Field{Kind: feature.DateTime}},
		{"BLOB", feature.Field{Kind: feature.Other}},
		{"POINT", feature.Field{Kind: feature.Other}},
	}
	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDeclaredType(tt.declared))
		})
	}
}
