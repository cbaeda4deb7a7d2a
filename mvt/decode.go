package mvt

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gogpu/tilemap/internal/logging"
)

// Protobuf field numbers of the vector tile schema.
const (
	tileLayers = 3

	layerName     = 1
	layerFeatures = 2
	layerKeys     = 3
	layerValues   = 4
	layerExtent   = 5
	layerVersion  = 15

	featureID       = 1
	featureTags     = 2
	featureType     = 3
	featureGeometry = 4

	valueString = 1
	valueFloat  = 2
	valueDouble = 3
	valueInt    = 4
	valueUint   = 5
	valueSint   = 6
	valueBool   = 7
)

// Decode parses a vector tile. It never panics and never returns partial
// geometry: structural errors fail the whole tile with ErrMalformed.
// An empty input decodes to an empty tile.
func Decode(data []byte) (*Tile, error) {
	t := &Tile{}
	if len(data) == 0 {
		return t, nil
	}

	seen := make(map[string]struct{})
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("tile tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		if num != tileLayers {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, malformed("tile field %d: %v", num, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}

		b, m, err := consumeBytes(typ, data)
		if err != nil {
			return nil, malformed("layer %d: %v", len(t.Layers), err)
		}
		data = data[m:]

		layer, err := decodeLayer(b)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[layer.Name]; dup {
			return nil, malformed("duplicate layer %q", layer.Name)
		}
		seen[layer.Name] = struct{}{}
		t.Layers = append(t.Layers, layer)
	}

	if len(t.Layers) == 0 {
		return nil, malformed("no layers")
	}
	return t, nil
}

type errWire string

func (e errWire) Error() string { return string(e) }

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWire("wrong wire type")
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWire("wrong wire type")
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func decodeLayer(b []byte) (Layer, error) {
	l := Layer{Version: 1, Extent: DefaultExtent}
	var (
		hasName  bool
		features [][]byte
		keys     []string
		values   []Value
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return l, malformed("layer tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var (
			m   int
			err error
		)
		switch num {
		case layerName:
			var v []byte
			v, m, err = consumeBytes(typ, b)
			l.Name, hasName = string(v), true
		case layerFeatures:
			var v []byte
			v, m, err = consumeBytes(typ, b)
			features = append(features, v)
		case layerKeys:
			var v []byte
			v, m, err = consumeBytes(typ, b)
			keys = append(keys, string(v))
		case layerValues:
			var v []byte
			v, m, err = consumeBytes(typ, b)
			if err == nil {
				var val Value
				val, err = decodeValue(v)
				values = append(values, val)
			}
		case layerExtent:
			var v uint64
			v, m, err = consumeVarint(typ, b)
			if v > math.MaxUint32 {
				err = errWire("extent overflows uint32")
			}
			l.Extent = uint32(v)
		case layerVersion:
			var v uint64
			v, m, err = consumeVarint(typ, b)
			if v > math.MaxUint32 {
				err = errWire("version overflows uint32")
			}
			l.Version = uint32(v)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				err = protowire.ParseError(m)
			}
		}
		if err != nil {
			return l, malformed("layer %q field %d: %v", l.Name, num, err)
		}
		b = b[m:]
	}

	switch {
	case !hasName || l.Name == "":
		return l, malformed("layer without name")
	case l.Version != 1 && l.Version != 2:
		return l, malformed("layer %q: unsupported version %d", l.Name, l.Version)
	case l.Extent == 0:
		return l, malformed("layer %q: zero extent", l.Name)
	}

	l.Features = make([]Feature, 0, len(features))
	for i, fb := range features {
		f, keep, err := decodeFeature(fb, keys, values)
		if err != nil {
			return l, malformed("layer %q feature %d: %v", l.Name, i, err)
		}
		if keep {
			l.Features = append(l.Features, f)
		} else {
			logging.L().Warn("mvt: dropped feature", "layer", l.Name, "feature", i, "type", f.Type)
		}
	}
	return l, nil
}

func decodeValue(b []byte) (Value, error) {
	var (
		v   Value
		set int
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, protowire.ParseError(n)
		}
		b = b[n:]

		var m int
		switch {
		case num == valueString && typ == protowire.BytesType:
			var s []byte
			s, m = protowire.ConsumeBytes(b)
			v = Value{Kind: StringValue, Str: string(s)}
		case num == valueFloat && typ == protowire.Fixed32Type:
			var u uint32
			u, m = protowire.ConsumeFixed32(b)
			v = Value{Kind: FloatValue, Num: float64(math.Float32frombits(u))}
		case num == valueDouble && typ == protowire.Fixed64Type:
			var u uint64
			u, m = protowire.ConsumeFixed64(b)
			v = Value{Kind: DoubleValue, Num: math.Float64frombits(u)}
		case num == valueInt && typ == protowire.VarintType:
			var u uint64
			u, m = protowire.ConsumeVarint(b)
			v = Value{Kind: IntValue, Int: int64(u)}
		case num == valueUint && typ == protowire.VarintType:
			var u uint64
			u, m = protowire.ConsumeVarint(b)
			v = Value{Kind: UintValue, Uint: u}
		case num == valueSint && typ == protowire.VarintType:
			var u uint64
			u, m = protowire.ConsumeVarint(b)
			v = Value{Kind: SintValue, Int: protowire.DecodeZigZag(u)}
		case num == valueBool && typ == protowire.VarintType:
			var u uint64
			u, m = protowire.ConsumeVarint(b)
			v = Value{Kind: BoolValue, Bool: u != 0}
		case num >= valueString && num <= valueBool:
			return v, errWire("value field with wrong wire type")
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m >= 0 {
				b = b[m:]
				continue
			}
		}
		if m < 0 {
			return v, protowire.ParseError(m)
		}
		b = b[m:]
		set++
	}
	if set != 1 {
		return v, errWire("value must have exactly one field")
	}
	return v, nil
}

func decodeFeature(b []byte, keys []string, values []Value) (Feature, bool, error) {
	var (
		f    Feature
		tags []uint32
		geom []uint32
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, false, protowire.ParseError(n)
		}
		b = b[n:]

		var (
			m   int
			err error
		)
		switch num {
		case featureID:
			f.ID, m, err = consumeVarint(typ, b)
			f.HasID = true
		case featureType:
			var v uint64
			v, m, err = consumeVarint(typ, b)
			if v > uint64(Polygon) {
				v = uint64(Unknown)
			}
			f.Type = GeomType(v)
		case featureTags:
			tags, m, err = consumePacked(typ, b, tags)
		case featureGeometry:
			geom, m, err = consumePacked(typ, b, geom)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				err = protowire.ParseError(m)
			}
		}
		if err != nil {
			return f, false, err
		}
		b = b[m:]
	}

	if len(tags)%2 != 0 {
		return f, false, errWire("odd number of tags")
	}
	if len(tags) > 0 {
		f.Properties = make(map[string]Value, len(tags)/2)
		for i := 0; i < len(tags); i += 2 {
			k, v := tags[i], tags[i+1]
			if int(k) >= len(keys) || int(v) >= len(values) {
				return f, false, errWire("tag index out of range")
			}
			f.Properties[keys[k]] = values[v]
		}
	}

	if f.Type == Unknown {
		return f, false, nil
	}
	g, err := decodeGeometry(f.Type, geom)
	if err != nil {
		return f, false, err
	}
	f.Geometry = g
	return f, !g.Empty(), nil
}

// consumePacked reads a packed repeated uint32. A single unpacked varint
// is accepted as well.
func consumePacked(typ protowire.Type, b []byte, dst []uint32) ([]uint32, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if v > math.MaxUint32 {
			return dst, 0, errWire("packed value overflows uint32")
		}
		return append(dst, uint32(v)), n, nil
	case protowire.BytesType:
		buf, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		for len(buf) > 0 {
			v, m := protowire.ConsumeVarint(buf)
			if m < 0 {
				return dst, 0, protowire.ParseError(m)
			}
			if v > math.MaxUint32 {
				return dst, 0, errWire("packed value overflows uint32")
			}
			dst = append(dst, uint32(v))
			buf = buf[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, errWire("wrong wire type")
	}
}
