// Package tlv maps BER-TLV data objects onto Go structs and walks the
// SIMPLE-TLV files found on Japanese government cards.
//
// A struct field takes part in BER-TLV mapping through its `tlv` tag, holding
// the tag in hex:
//
//	type Template struct {
//		DFName  []byte       `tlv:"84"`
//		Label   []byte       `tlv:"50" fmt:"ascii"`
//		Nested  Proprietary  `tlv:"A5"`
//		Unknown []bertlv.TLV `tlv:",unknown"`
//	}
//
// []byte fields receive the value (the re-encoded children for constructed
// objects), string fields its hex form, struct fields are decoded recursively
// and slice fields collect every occurrence. The `,unknown` field, or a field
// named Unknown, receives the objects no other field claimed.
package tlv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// ErrNotFound is returned when a data object is absent.
var ErrNotFound = errors.New("tlv: tag not found")

// Unmarshaler is implemented by types decoding their own value.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

var (
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
	packetsType     = reflect.TypeOf([]bertlv.TLV(nil))
)

// Unmarshal decodes data and maps the objects onto the struct v points to.
func Unmarshal(data []byte, v any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("tlv: decoding: %w", err)
	}
	return UnmarshalFromPackets(packets, v)
}

// UnmarshalFromPackets maps already decoded objects onto the struct v points
// to.
func UnmarshalFromPackets(packets []bertlv.TLV, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("tlv: target must be a non-nil pointer, got %T", v)
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("tlv: target must point to a struct, got %T", v)
	}

	fields, unknown := plan(rv.Type())
	var rest []bertlv.TLV
	for _, p := range packets {
		idx, ok := fields[strings.ToUpper(p.Tag)]
		if !ok {
			rest = append(rest, p)
			continue
		}
		if err := assign(rv.Field(idx), p); err != nil {
			return fmt.Errorf("tlv: tag %s: %w", p.Tag, err)
		}
	}

	if unknown >= 0 && len(rest) > 0 {
		rv.Field(unknown).Set(reflect.ValueOf(rest))
	}
	return nil
}

// plan returns the field index of every mapped tag and the index of the
// field collecting unclaimed objects, -1 when there is none.
func plan(t reflect.Type) (map[string]int, int) {
	fields := make(map[string]int)
	unknown := -1
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, opts, _ := strings.Cut(f.Tag.Get("tlv"), ",")
		if (opts == "unknown" || f.Name == "Unknown") && f.Type == packetsType {
			unknown = i
			continue
		}
		if tag != "" {
			fields[strings.ToUpper(tag)] = i
		}
	}
	return fields, unknown
}

func assign(field reflect.Value, p bertlv.TLV) error {
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() != reflect.Uint8 {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := decode(elem, p); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return decode(field, p)
}

func decode(field reflect.Value, p bertlv.TLV) error {
	if field.CanAddr() && field.Addr().Type().Implements(unmarshalerType) {
		return field.Addr().Interface().(Unmarshaler).UnmarshalTLV(payload(p))
	}

	switch {
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
		field.SetBytes(payload(p))
	case field.Kind() == reflect.String:
		field.SetString(hex.EncodeToString(p.Value))
	case field.Kind() == reflect.Struct:
		return nested(field.Addr(), p)
	case field.Kind() == reflect.Pointer && field.Type().Elem().Kind() == reflect.Struct:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return nested(field, p)
	}
	return nil
}

func nested(ptr reflect.Value, p bertlv.TLV) error {
	if len(p.TLVs) > 0 {
		return UnmarshalFromPackets(p.TLVs, ptr.Interface())
	}
	return Unmarshal(p.Value, ptr.Interface())
}

// payload is the value of a primitive object, or the encoding of the children
// of a constructed one.
func payload(p bertlv.TLV) []byte {
	if len(p.TLVs) == 0 {
		return p.Value
	}
	enc, err := bertlv.Encode(p.TLVs)
	if err != nil {
		return p.Value
	}
	return enc
}

// Find follows path through nested constructed objects and returns the
// payload of the last one. Find(dg1, 0x61, 0x5F1F) returns the MRZ of an LDS
// DG1 file.
func Find(data []byte, path ...uint) ([]byte, error) {
	if len(path) == 0 {
		return data, nil
	}
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("tlv: decoding: %w", err)
	}

	for depth, tag := range path {
		want := fmt.Sprintf("%X", tag)
		p, ok := lookup(packets, want)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, want)
		}
		if depth == len(path)-1 {
			return payload(p), nil
		}
		packets = p.TLVs
	}
	return nil, nil
}

func lookup(packets []bertlv.TLV, tag string) (bertlv.TLV, bool) {
	for _, p := range packets {
		if strings.EqualFold(p.Tag, tag) {
			return p, true
		}
	}
	return bertlv.TLV{}, false
}
