package wire

import (
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDoubles(t *testing.T) {
	values := []float64{0, -1.5, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(-1)}
	b := AppendDoubles(nil, 7, values)

	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != 7 || typ != protowire.BytesType {
		t.Fatalf("Unexpected tag: num=%d type=%d n=%d", num, typ, n)
	}
	payload, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		t.Fatalf("Failed to consume payload: %v", protowire.ParseError(m))
	}

	decoded, err := ConsumeDoubles(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != len(values) {
		t.Fatalf("Expected %d values, got %d", len(values), len(decoded))
	}
	for i := range values {
		if math.Float64bits(decoded[i]) != math.Float64bits(values[i]) {
			t.Errorf("Value %d: expected %v, got %v", i, values[i], decoded[i])
		}
	}

	if _, err := ConsumeDoubles(payload[:5]); err == nil {
		t.Error("Expected error for payload that is not a multiple of 8 bytes")
	}
}

func TestTensor(t *testing.T) {
	b := AppendTensor(nil, 3, "expert1.tail.weight", []float64{1, 2, 3})
	b = AppendTensor(b, 3, "expert1.tail.bias", nil)

	var names []string
	var sizes []int
	err := Range(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 3 || typ != protowire.BytesType {
			t.Fatalf("Unexpected field %d type %d", num, typ)
		}
		payload, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		name, values, err := ConsumeTensor(payload)
		if err != nil {
			return 0, err
		}
		names = append(names, name)
		sizes = append(sizes, len(values))
		return n, nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(names) != 2 || names[0] != "expert1.tail.weight" || names[1] != "expert1.tail.bias" {
		t.Errorf("Unexpected names %v", names)
	}
	if sizes[0] != 3 || sizes[1] != 0 {
		t.Errorf("Unexpected sizes %v", sizes)
	}
}

func TestRangeSkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 300)
	b = AppendTensor(b, 1, "w", []float64{4})

	seen := 0
	err := Range(b, func(num protowire.Number, typ protowire.Type, rest []byte) (int, error) {
		if num != 1 {
			return Skip(num, typ, rest)
		}
		seen++
		_, n := protowire.ConsumeBytes(rest)
		return n, nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if seen != 1 {
		t.Errorf("Expected one known field, saw %d", seen)
	}

	if err := Range([]byte{0xff}, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil }); err == nil {
		t.Error("Expected error for corrupt tag")
	}
}
