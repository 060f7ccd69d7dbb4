// Package wire holds protobuf wire-format helpers shared by the state blobs
// and the collective transport.
package wire

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers inside a named tensor message
const (
	tensorFieldName protowire.Number = 1
	tensorFieldData protowire.Number = 2
)

// AppendDoubles appends values as a packed repeated double field
func AppendDoubles(b []byte, num protowire.Number, values []float64) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(values)))
	for _, v := range values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// ConsumeDoubles decodes a packed repeated double payload
func ConsumeDoubles(payload []byte) ([]float64, error) {
	if len(payload)%8 != 0 {
		return nil, errors.Errorf("packed doubles length %d is not a multiple of 8", len(payload))
	}
	values := make([]float64, 0, len(payload)/8)
	for len(payload) > 0 {
		v, n := protowire.ConsumeFixed64(payload)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		values = append(values, math.Float64frombits(v))
		payload = payload[n:]
	}
	return values, nil
}

// AppendTensor appends a {name, values} message as field num
func AppendTensor(b []byte, num protowire.Number, name string, values []float64) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, tensorFieldName, protowire.BytesType)
	msg = protowire.AppendString(msg, name)
	msg = AppendDoubles(msg, tensorFieldData, values)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// ConsumeTensor decodes the payload of a message written by AppendTensor
func ConsumeTensor(payload []byte) (string, []float64, error) {
	var (
		name   string
		values []float64
	)
	err := Range(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == tensorFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt tensor name")
			}
			name = v
			return n, nil
		case num == tensorFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, errors.Wrap(protowire.ParseError(n), "corrupt tensor data")
			}
			var err error
			if values, err = ConsumeDoubles(v); err != nil {
				return 0, errors.Wrapf(err, "corrupt tensor %s", name)
			}
			return n, nil
		}
		return Skip(num, typ, b)
	})
	return name, values, err
}

// Range walks the fields of a message. fn receives the bytes after the tag
// and returns how many of them the field value used.
func Range(msg []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "corrupt field tag")
		}
		msg = msg[n:]
		m, err := fn(num, typ, msg)
		if err != nil {
			return err
		}
		msg = msg[m:]
	}
	return nil
}

// Skip consumes a field value that the caller does not recognize
func Skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, errors.Wrapf(protowire.ParseError(n), "corrupt field %d", num)
	}
	return n, nil
}
