// Package ewkb encodes geometries to the extended well-known binary format,
// hex-encoded, optionally embedding an EPSG code so a consumer can recover
// the coordinate reference system without side-channel metadata.
package ewkb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-spatial/geom"
)

// Common errors returned by this package.
var (
	ErrNilGeometry         = errors.New("ewkb: nil geometry")
	ErrUnsupportedGeometry = errors.New("ewkb: unsupported geometry type")
	ErrInvalidData         = errors.New("ewkb: invalid data")
)

// sridFlag marks the geometry type word as carrying an SRID.
const sridFlag = 0x20000000

const (
	pointType uint32 = iota + 1
	lineStringType
	polygonType
	multiPointType
	multiLineStringType
	multiPolygonType
	collectionType
)

const (
	bigEndian    byte = 0
	littleEndian byte = 1
)

// EncodeHex encodes the geometry as uppercase hex EWKB in little-endian byte
// order. An srid > 0 is embedded in the top-level geometry header; srid 0
// yields plain WKB with no reference system tag.
func EncodeHex(g geom.Geometry, srid int) (string, error) {
	var buf bytes.Buffer
	if err := encode(&buf, g, srid); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf.Bytes())), nil
}

func encode(buf *bytes.Buffer, g geom.Geometry, srid int) error {
	typ, err := typeOf(g)
	if err != nil {
		return err
	}

	buf.WriteByte(littleEndian)
	if srid > 0 {
		writeUint32(buf, typ|sridFlag)
		writeUint32(buf, uint32(srid))
	} else {
		writeUint32(buf, typ)
	}

	switch gg := g.(type) {
	case geom.Point:
		writePoint(buf, gg)
	case geom.LineString:
		writePoints(buf, gg)
	case geom.Polygon:
		writeUint32(buf, uint32(len(gg)))
		for _, ring := range gg {
			writePoints(buf, ring)
		}
	case geom.MultiPoint:
		writeUint32(buf, uint32(len(gg)))
		for _, point := range gg {
			if err := encode(buf, geom.Point(point), 0); err != nil {
				return err
			}
		}
	case geom.MultiLineString:
		writeUint32(buf, uint32(len(gg)))
		for _, line := range gg {
			if err := encode(buf, geom.LineString(line), 0); err != nil {
				return err
			}
		}
	case geom.MultiPolygon:
		writeUint32(buf, uint32(len(gg)))
		for _, polygon := range gg {
			if err := encode(buf, geom.Polygon(polygon), 0); err != nil {
				return err
			}
		}
	case geom.Collection:
		writeUint32(buf, uint32(len(gg)))
		for _, sub := range gg {
			if err := encode(buf, sub, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func typeOf(g geom.Geometry) (uint32, error) {
	switch g.(type) {
	case nil:
		return 0, ErrNilGeometry
	case geom.Point:
		return pointType, nil
	case geom.LineString:
		return lineStringType, nil
	case geom.Polygon:
		return polygonType, nil
	case geom.MultiPoint:
		return multiPointType, nil
	case geom.MultiLineString:
		return multiLineStringType, nil
	case geom.MultiPolygon:
		return multiPolygonType, nil
	case geom.Collection:
		return collectionType, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedGeometry, g)
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func writePoint(buf *bytes.Buffer, p [2]float64) {
	writeFloat64(buf, p[0])
	writeFloat64(buf, p[1])
}

func writePoints(buf *bytes.Buffer, points [][2]float64) {
	writeUint32(buf, uint32(len(points)))
	for _, p := range points {
		writePoint(buf, p)
	}
}

// DecodeHex decodes hex EWKB produced by EncodeHex (either byte order) and
// returns the geometry and the embedded SRID, 0 when none was embedded.
func DecodeHex(s string) (geom.Geometry, int, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	r := &reader{buf: data}
	g, srid := decode(r)
	if r.err != nil {
		return nil, 0, r.err
	}
	return g, srid, nil
}

// reader is a sticky-error cursor over the raw EWKB bytes.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) order() binary.ByteOrder {
	if r.err != nil {
		return binary.LittleEndian
	}
	if r.off >= len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrInvalidData)
		return binary.LittleEndian
	}
	b := r.buf[r.off]
	r.off++
	switch b {
	case bigEndian:
		return binary.BigEndian
	case littleEndian:
		return binary.LittleEndian
	default:
		r.err = fmt.Errorf("%w: byte order %#x", ErrInvalidData, b)
		return binary.LittleEndian
	}
}

func (r *reader) uint32(order binary.ByteOrder) uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrInvalidData)
		return 0
	}
	v := order.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) float64(order binary.ByteOrder) float64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrInvalidData)
		return 0
	}
	v := math.Float64frombits(order.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

// sliceCap bounds a pre-allocation by the bytes left on the wire, so a
// corrupt element count cannot trigger a huge allocation before the
// truncation check trips. minElementSize is the smallest encoding of one
// element.
func (r *reader) sliceCap(n uint32, minElementSize int) int {
	remaining := (len(r.buf) - r.off) / minElementSize
	if int(n) > remaining {
		return remaining
	}
	return int(n)
}

func decode(r *reader) (geom.Geometry, int) {
	order := r.order()
	typ := r.uint32(order)
	srid := 0
	if typ&sridFlag != 0 {
		typ &^= sridFlag
		srid = int(r.uint32(order))
	}

	switch typ {
	case pointType:
		return geom.Point(readPoint(r, order)), srid
	case lineStringType:
		return geom.LineString(readPoints(r, order)), srid
	case polygonType:
		n := r.uint32(order)
		polygon := make(geom.Polygon, 0, r.sliceCap(n, 4))
		for i := uint32(0); i < n && r.err == nil; i++ {
			polygon = append(polygon, readPoints(r, order))
		}
		return polygon, srid
	case multiPointType:
		n := r.uint32(order)
		multi := make(geom.MultiPoint, 0, r.sliceCap(n, 5))
		for i := uint32(0); i < n && r.err == nil; i++ {
			sub, _ := decode(r)
			point, ok := sub.(geom.Point)
			if !ok && r.err == nil {
				r.err = fmt.Errorf("%w: %T in multipoint", ErrInvalidData, sub)
			}
			multi = append(multi, point)
		}
		return multi, srid
	case multiLineStringType:
		n := r.uint32(order)
		multi := make(geom.MultiLineString, 0, r.sliceCap(n, 5))
		for i := uint32(0); i < n && r.err == nil; i++ {
			sub, _ := decode(r)
			line, ok := sub.(geom.LineString)
			if !ok && r.err == nil {
				r.err = fmt.Errorf("%w: %T in multilinestring", ErrInvalidData, sub)
			}
			multi = append(multi, line)
		}
		return multi, srid
	case multiPolygonType:
		n := r.uint32(order)
		multi := make(geom.MultiPolygon, 0, r.sliceCap(n, 5))
		for i := uint32(0); i < n && r.err == nil; i++ {
			sub, _ := decode(r)
			polygon, ok := sub.(geom.Polygon)
			if !ok && r.err == nil {
				r.err = fmt.Errorf("%w: %T in multipolygon", ErrInvalidData, sub)
			}
			multi = append(multi, polygon)
		}
		return multi, srid
	case collectionType:
		n := r.uint32(order)
		collection := make(geom.Collection, 0, r.sliceCap(n, 5))
		for i := uint32(0); i < n && r.err == nil; i++ {
			sub, _ := decode(r)
			collection = append(collection, sub)
		}
		return collection, srid
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: geometry type %d", ErrInvalidData, typ)
		}
		return nil, 0
	}
}

func readPoint(r *reader, order binary.ByteOrder) [2]float64 {
	x := r.float64(order)
	y := r.float64(order)
	return [2]float64{x, y}
}

func readPoints(r *reader, order binary.ByteOrder) [][2]float64 {
	n := r.uint32(order)
	points := make([][2]float64, 0, r.sliceCap(n, 16))
	for i := uint32(0); i < n && r.err == nil; i++ {
		points = append(points, readPoint(r, order))
	}
	return points
}
