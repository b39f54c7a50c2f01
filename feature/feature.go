// Package feature holds the contract between a geospatial source and the
// components that consume it: a stream of typed features sharing one schema
// and one optional coordinate reference system.
package feature

import (
	"github.com/go-spatial/geom"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind is the declared type of an attribute field.
type Kind int

const (
	Integer Kind = iota
	Float
	String
	Boolean
	Date
	Time
	DateTime
	Other
)

// Field describes one declared attribute. Width is the declared maximum
// length for String fields, 0 when the source does not declare one.
type Field struct {
	Kind  Kind
	Width int
}

// Schema is an ordered mapping of attribute name to declared field type.
// Field order follows the source declaration and is significant: output rows
// and column type mappings are emitted in this order.
type Schema struct {
	orderedmap.OrderedMap[string, Field]
}

func NewSchema() *Schema {
	return &Schema{*orderedmap.New[string, Field]()}
}

// Names returns the attribute names in declared order.
func (s *Schema) Names() []string {
	names := make([]string, 0, s.Len())
	for pair := s.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

type Feature interface {
	// ID identifies the feature in its source, used for error reporting only.
	ID() string
	Geometry() geom.Geometry
	// Columns returns the attribute values in schema order.
	Columns() []interface{}
}

// Source is a single-pass view over a geospatial dataset.
type Source interface {
	Schema() *Schema
	// SRID returns the dataset EPSG code, 0 when the source declares no CRS.
	SRID() int
	// ReadFeatures calls fn for every feature in source order. A non-nil
	// error from fn stops the scan and is returned as-is.
	ReadFeatures(fn func(Feature) error) error
}
