package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRange_DecodesAppendedFields(t *testing.T) {
	var b []byte
	b = AppendString(b, 1, "node-1")
	b = AppendInt(b, 2, -1)
	b = AppendBool(b, 3, true)
	b = AppendUint(b, 4, 42)

	got := map[protowire.Number]Field{}
	err := Range(b, func(num protowire.Number, f Field) error {
		got[num] = f
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "node-1", got[1].String())
	assert.Equal(t, int64(-1), got[2].Int64())
	assert.True(t, got[3].Bool())
	assert.Equal(t, uint64(42), got[4].Uint64())
}

func TestAppend_OmitsZeroValues(t *testing.T) {
	var b []byte
	b = AppendString(b, 1, "")
	b = AppendUint(b, 2, 0)
	b = AppendBool(b, 3, false)
	b = AppendBytes(b, 4, nil)
	assert.Empty(t, b)
}

func TestRange_SkipsUnknownWireTypes(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)
	b = AppendUint(b, 1, 5)

	var seen []protowire.Number
	err := Range(b, func(num protowire.Number, f Field) error {
		seen = append(seen, num)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []protowire.Number{1}, seen)
}

func TestRange_RejectsTruncatedInput(t *testing.T) {
	b := AppendString(nil, 1, "truncated")
	err := Range(b[:len(b)-2], func(protowire.Number, Field) error { return nil })
	assert.Error(t, err)
}

func TestField_BytesReturnsCopy(t *testing.T) {
	raw := []byte{1, 2, 3}
	f := Field{Type: protowire.BytesType, Raw: raw}
	out := f.Bytes()
	out[0] = 9
	assert.Equal(t, byte(1), raw[0])
}
