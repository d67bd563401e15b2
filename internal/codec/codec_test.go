package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Index int
	Data  []byte
	Tags  map[string]int
}

func TestEncode_Deterministic(t *testing.T) {
	v := sample{Name: "a", Index: 3, Tags: map[string]int{"z": 1, "a": 2, "m": 3}}
	first, err := Encode(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(v)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	in := sample{Name: "block", Index: 7, Data: []byte{1, 2, 3}}
	data, err := Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Decode(data, &out))
	require.Equal(t, in, out)
}

func TestDecode_Garbage(t *testing.T) {
	var out sample
	require.Error(t, Decode([]byte{0xff, 0x00, 0x13}, &out))
}
