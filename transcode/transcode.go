// Package transcode turns a stream of geospatial features into a
// comma-delimited file whose geometry column holds hex EWKB, ready for a
// warehouse bulk load.
package transcode

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/sfomuseum/go-csvdict"

	"github.com/pdok/shovel/ewkb"
	"github.com/pdok/shovel/feature"
)

// geometryColumn is the header name of the leading geometry column.
const geometryColumn = "geom"

// Error reports the feature at which transcoding aborted. Transcoding is
// fail-fast: one unencodable feature aborts the whole run so a partial file
// never proceeds to upload.
type Error struct {
	FeatureID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcoding feature %s: %v", e.FeatureID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transcode writes a header row (geom plus the attribute names in schema
// order) followed by one row per feature, streamed in source order. The
// dataset SRID is embedded in every geometry encoding iff the source declares
// one. Returns the number of data rows written.
func Transcode(source feature.Source, w io.Writer) (int, error) {
	srid := source.SRID()
	schema := source.Schema()

	fieldnames := append([]string{geometryColumn}, schema.Names()...)
	wr, err := csvdict.NewWriter(w, fieldnames)
	if err != nil {
		return 0, err
	}
	if err := wr.WriteHeader(); err != nil {
		return 0, err
	}

	rows := 0
	err = source.ReadFeatures(func(f feature.Feature) error {
		row, err := encodeRow(f, schema, srid)
		if err != nil {
			log.Printf("error processing feature %s: %v", f.ID(), err)
			return &Error{FeatureID: f.ID(), Err: err}
		}
		if err := wr.WriteRow(row); err != nil {
			return &Error{FeatureID: f.ID(), Err: err}
		}
		rows++
		return nil
	})
	if ferr := wr.Flush(); err == nil {
		err = ferr
	}
	return rows, err
}

// ToFile transcodes to a new file at path, which is closed on all exit paths.
func ToFile(source feature.Source, path string) (int, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	rows, err := Transcode(source, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return rows, err
}

func encodeRow(f feature.Feature, schema *feature.Schema, srid int) (map[string]string, error) {
	geomHex, err := ewkb.EncodeHex(f.Geometry(), srid)
	if err != nil {
		return nil, err
	}

	columns := f.Columns()
	if len(columns) != schema.Len() {
		return nil, fmt.Errorf("feature has %d attribute values, schema declares %d", len(columns), schema.Len())
	}

	row := make(map[string]string, len(columns)+1)
	row[geometryColumn] = geomHex
	i := 0
	for pair := schema.Oldest(); pair != nil; pair = pair.Next() {
		row[pair.Key] = formatValue(columns[i], pair.Value)
		i++
	}
	return row, nil
}

// formatValue serializes an attribute value with its native textual rules.
// Quoting is left to the CSV writer.
func formatValue(v interface{}, field feature.Field) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		switch field.Kind {
		case feature.Date:
			return v.Format("2006-01-02")
		case feature.Time:
			return v.Format("15:04:05")
		default:
			// matches the bulk-load TIMEFORMAT 'YYYY-MM-DDTHH:MI:SS'
			return v.Format("2006-01-02T15:04:05")
		}
	default:
		return fmt.Sprint(v)
	}
}
