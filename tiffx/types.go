package tiffx

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/sebnyberg/imgmeta/metaerr"
)

// Type is the data type of an IFD entry.
type Type uint16

const (
	Byte      Type = 1
	ASCII     Type = 2
	Short     Type = 3
	Long      Type = 4
	Rational  Type = 5
	SByte     Type = 6
	Undefined Type = 7
	SShort    Type = 8
	SLong     Type = 9
	SRational Type = 10
	Float     Type = 11
	Double    Type = 12
	IFD       Type = 13
)

var typeNames = [...]string{
	Byte:      "BYTE",
	ASCII:     "ASCII",
	Short:     "SHORT",
	Long:      "LONG",
	Rational:  "RATIONAL",
	SByte:     "SBYTE",
	Undefined: "UNDEFINED",
	SShort:    "SSHORT",
	SLong:     "SLONG",
	SRational: "SRATIONAL",
	Float:     "FLOAT",
	Double:    "DOUBLE",
	IFD:       "IFD",
}

var typeSizes = [...]int{
	Byte:      1,
	ASCII:     1,
	Short:     2,
	Long:      4,
	Rational:  8,
	SByte:     1,
	Undefined: 1,
	SShort:    2,
	SLong:     4,
	SRational: 8,
	Float:     4,
	Double:    8,
	IFD:       4,
}

func (t Type) valid() bool {
	return t >= Byte && t <= IFD
}

func (t Type) String() string {
	if !t.valid() {
		return "UNKNOWN"
	}
	return typeNames[t]
}

// Size returns the size in bytes of one value of type t.
func (t Type) Size() (int, error) {
	if !t.valid() {
		return 0, metaerr.Errorf(metaerr.ErrUnsupportedType, "tiff type %d", uint16(t))
	}
	return typeSizes[t], nil
}

// Decode converts the raw bytes of count values of type t.
//
// Scalars (count 1) decode to uint8, int8, uint16, int16, uint32, int32,
// float32 or float64; longer arrays decode to slices of the same. RATIONAL and
// SRATIONAL decode to the float64 quotient, so a zero denominator yields an
// infinity or NaN. ASCII decodes to a string with NULs removed and whitespace
// trimmed, UNDEFINED always decodes to []byte. Returned slices never alias p.
func Decode(p []byte, t Type, count int, order binary.ByteOrder) (interface{}, error) {
	size, err := t.Size()
	if err != nil {
		return nil, err
	}
	if len(p) < size*count {
		return nil, metaerr.Errorf(metaerr.ErrTruncatedSegment,
			"%d %s values need %d bytes, have %d", count, t, size*count, len(p))
	}
	p = p[:size*count]

	switch t {
	case ASCII:
		return strings.TrimSpace(strings.ReplaceAll(string(p), "\x00", "")), nil
	case Undefined:
		return append([]byte{}, p...), nil
	case Byte:
		if count == 1 {
			return p[0], nil
		}
		return append([]byte{}, p...), nil
	case SByte:
		vs := make([]int8, count)
		for i := range vs {
			vs[i] = int8(p[i])
		}
		return scalar(vs), nil
	case Short:
		vs := make([]uint16, count)
		for i := range vs {
			vs[i] = order.Uint16(p[2*i:])
		}
		return scalar(vs), nil
	case SShort:
		vs := make([]int16, count)
		for i := range vs {
			vs[i] = int16(order.Uint16(p[2*i:]))
		}
		return scalar(vs), nil
	case Long, IFD:
		vs := make([]uint32, count)
		for i := range vs {
			vs[i] = order.Uint32(p[4*i:])
		}
		return scalar(vs), nil
	case SLong:
		vs := make([]int32, count)
		for i := range vs {
			vs[i] = int32(order.Uint32(p[4*i:]))
		}
		return scalar(vs), nil
	case Rational:
		vs := make([]float64, count)
		for i := range vs {
			num := order.Uint32(p[8*i:])
			den := order.Uint32(p[8*i+4:])
			vs[i] = float64(num) / float64(den)
		}
		return scalar(vs), nil
	case SRational:
		vs := make([]float64, count)
		for i := range vs {
			num := int32(order.Uint32(p[8*i:]))
			den := int32(order.Uint32(p[8*i+4:]))
			vs[i] = float64(num) / float64(den)
		}
		return scalar(vs), nil
	case Float:
		vs := make([]float32, count)
		for i := range vs {
			vs[i] = math.Float32frombits(order.Uint32(p[4*i:]))
		}
		return scalar(vs), nil
	case Double:
		vs := make([]float64, count)
		for i := range vs {
			vs[i] = math.Float64frombits(order.Uint64(p[8*i:]))
		}
		return scalar(vs), nil
	}
	return nil, metaerr.Errorf(metaerr.ErrUnsupportedType, "tiff type %d", uint16(t))
}

func scalar[T any](vs []T) interface{} {
	if len(vs) == 1 {
		return vs[0]
	}
	return vs
}
