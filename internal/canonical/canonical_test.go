package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode_SortsKeysAtEveryDepth(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": nil},
		"c": []any{"x", 2},
	}
	out, err := Encode(v)
	require.NoError(t, err)
	require.Equal(t, `{"a": {"m": null, "z": true}, "b": 1, "c": ["x", 2]}`, string(out))
}

func TestEncodeCompact(t *testing.T) {
	out, err := EncodeCompact(map[string]any{"b": []int{1, 2}, "a": "x"})
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":[1,2]}`, string(out))
}

func TestEncode_Floats(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.0, "1.0"},
		{0.5, "0.5"},
		{-2.0, "-2.0"},
		{0, "0.0"},
		{1425857522.076, "1425857522.076"},
		{1e15, "1000000000000000.0"},
		{1e16, "1e+16"},
		{1.5e16, "1.5e+16"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1.5e-7, "1.5e-07"},
		{123456789.123, "123456789.123"},
	}
	for _, tc := range cases {
		out, err := Encode(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, string(out), "float %v", tc.in)
	}
}

func TestEncode_JSONNumbers(t *testing.T) {
	cases := map[string]string{
		"1":                              "1",
		"-0":                             "0",
		"123456789012345678901234567890": "123456789012345678901234567890",
		"1425857522.076":                 "1425857522.076",
		"1E5":                            "100000.0",
		"2.50":                           "2.5",
	}
	for in, want := range cases {
		out, err := Encode(json.Number(in))
		require.NoError(t, err)
		require.Equal(t, want, string(out), "number %s", in)
	}

	_, err := Encode(json.Number("12abc"))
	require.Error(t, err)
}

func TestEncode_EnsureASCII(t *testing.T) {
	cases := map[string]string{
		"plain":      `"plain"`,
		"é":          `"\u00e9"`,
		"日本":         `"\u65e5\u672c"`,
		"😀":          `"\ud83d\ude00"`,
		"a\"b\\c":    `"a\"b\\c"`,
		"\n\r\t\b\f": `"\n\r\t\b\f"`,
		"\x01\x7f":   `"\u0001\u007f"`,
		"</script>":  `"</script>"`,
	}
	for in, want := range cases {
		out, err := Encode(in)
		require.NoError(t, err)
		require.Equal(t, want, string(out), "string %q", in)
	}
}

func TestEncode_RawMessageIsReRendered(t *testing.T) {
	raw := json.RawMessage(`{"z":1.0,"a":[1,2.5,"é"],"m":{"y":null,"b":false}}`)
	out, err := Encode(raw)
	require.NoError(t, err)
	require.Equal(t, `{"a": [1, 2.5, "\u00e9"], "m": {"b": false, "y": null}, "z": 1.0}`, string(out))
}

func TestEncode_Rejects(t *testing.T) {
	_, err := Encode(math.NaN())
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)

	_, err = Encode(math.Inf(1))
	require.ErrorAs(t, err, &encErr)

	_, err = Encode(map[int]string{1: "a"})
	require.ErrorAs(t, err, &encErr)

	_, err = Encode(make(chan int))
	require.ErrorAs(t, err, &encErr)

	_, err = Encode(json.RawMessage(`{"a":1} trailing`))
	require.ErrorAs(t, err, &encErr)
}

func TestEncode_RoundTripIsStable(t *testing.T) {
	doc := []byte(`{"modified": 1425857522.076, "files": {"index.html": {"sha512": "ab", "size": 466}}, "title": "été"}`)
	v, err := Decode(doc)
	require.NoError(t, err)

	first, err := Encode(v)
	require.NoError(t, err)
	again, err := Decode(first)
	require.NoError(t, err)
	second, err := Encode(again)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
	require.Equal(t, `{"files": {"index.html": {"sha512": "ab", "size": 466}}, "modified": 1425857522.076, "title": "\u00e9t\u00e9"}`, string(first))
}
