package transcode

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/shovel/ewkb"
	"github.com/pdok/shovel/feature"
)

type fakeFeature struct {
	id       string
	geometry geom.Geometry
	columns  []interface{}
}

func (f fakeFeature) ID() string              { return f.id }
func (f fakeFeature) Geometry() geom.Geometry { return f.geometry }
func (f fakeFeature) Columns() []interface{}  { return f.columns }

type fakeSource struct {
	schema   *feature.Schema
	srid     int
	features []fakeFeature
}

func (s fakeSource) Schema() *feature.Schema { return s.schema }
func (s fakeSource) SRID() int               { return s.srid }

func (s fakeSource) ReadFeatures(fn func(feature.Feature) error) error {
	for _, f := range s.features {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func testSchema() *feature.Schema {
	schema := feature.NewSchema()
	schema.Set("name", feature.Field{Kind: feature.String, Width: 10})
	schema.Set("pop", feature.Field{Kind: feature.Integer})
	return schema
}

func TestTranscode(t *testing.T) {
	source := fakeSource{
		schema: testSchema(),
		features: []fakeFeature{
			{id: "1", geometry: geom.Point{5.38763, 52.15517}, columns: []interface{}{"Amersfoort", int64(158531)}},
			{id: "2", geometry: geom.Point{4.89707, 52.37403}, columns: []interface{}{"Amsterdam", int64(921402)}},
		},
	}

	var buf bytes.Buffer
	rows, err := Transcode(source, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"geom", "name", "pop"}, records[0])
	assert.Equal(t, []string{"Amersfoort", "158531"}, records[1][1:])
	assert.Equal(t, []string{"Amsterdam", "921402"}, records[2][1:])

	for i, record := range records[1:] {
		require.Len(t, record, len(records[0]))
		decoded, srid, err := ewkb.DecodeHex(record[0])
		require.NoError(t, err)
		assert.Equal(t, 0, srid)
		assert.EqualValues(t, source.features[i].geometry, decoded)
	}
}

func TestTranscodeEmbedsSRID(t *testing.T) {
	source := fakeSource{
		schema: testSchema(),
		srid:   4326,
		features: []fakeFeature{
			{id: "1", geometry: geom.Point{5.38763, 52.15517}, columns: []interface{}{"Amersfoort", int64(158531)}},
		},
	}

	var buf bytes.Buffer
	_, err := Transcode(source, &buf)
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	decoded, srid, err := ewkb.DecodeHex(records[1][0])
	require.NoError(t, err)
	assert.Equal(t, 4326, srid)
	assert.EqualValues(t, source.features[0].geometry, decoded)
}

func TestTranscodeAbortsOnBadFeature(t *testing.T) {
	source := fakeSource{
		schema: testSchema(),
		features: []fakeFeature{
			{id: "1", geometry: geom.Point{1, 2}, columns: []interface{}{"ok", int64(1)}},
			{id: "2", geometry: nil, columns: []interface{}{"broken", int64(2)}},
			{id: "3", geometry: geom.Point{3, 4}, columns: []interface{}{"never reached", int64(3)}},
		},
	}

	var buf bytes.Buffer
	rows, err := Transcode(source, &buf)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "2", terr.FeatureID)
	assert.ErrorIs(t, err, ewkb.ErrNilGeometry)
	assert.Equal(t, 1, rows)

	records, rerr := csv.NewReader(&buf).ReadAll()
	require.NoError(t, rerr)
	assert.Len(t, records, 2) // header plus the one good row
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("no space left on device") }

func TestTranscodeReportsWriterFailure(t *testing.T) {
	source := fakeSource{
		schema: testSchema(),
		features: []fakeFeature{
			{id: "1", geometry: geom.Point{1, 2}, columns: []interface{}{"ok", int64(1)}},
		},
	}

	// the writer never accepts a byte, so a nil error here would mean an
	// empty file gets reported as a successful transcode
	_, err := Transcode(source, failingWriter{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no space left on device")
}

func TestTranscodeColumnCountMismatch(t *testing.T) {
	source := fakeSource{
		schema: testSchema(),
		features: []fakeFeature{
			{id: "7", geometry: geom.Point{1, 2}, columns: []interface{}{"only one"}},
		},
	}

	var buf bytes.Buffer
	_, err := Transcode(source, &buf)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "7", terr.FeatureID)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		field feature.Field
		want  string
	}{
		{"nil", nil, feature.Field{Kind: feature.String}, ""},
		{"string", "foo", feature.Field{Kind: feature.String}, "foo"},
		{"bytes", []byte("bar"), feature.Field{Kind: feature.String}, "bar"},
		{"int64", int64(-42), feature.Field{Kind: feature.Integer}, "-42"},
		{"float", 3.25, feature.Field{Kind: feature.Float}, "3.25"},
		{"bool", true, feature.Field{Kind: feature.Boolean}, "true"},
		{"date", time.Date(2020, 3, 14, 15, 9, 26, 0, time.UTC), feature.Field{Kind: feature.Date}, "2020-03-14"},
		{"time", time.Date(2020, 3, 14, 15, 9, 26, 0, time.UTC), feature.Field{Kind: feature.Time}, "15:09:26"},
		{"datetime", time.Date(2020, 3, 14, 15, 9, 26, 0, time.UTC), feature.Field{Kind: feature.DateTime}, "2020-03-14T15:09:26"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.value, tt.field))
		})
	}
}
