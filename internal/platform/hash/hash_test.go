package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecureDigestDeterministic(t *testing.T) {
	in := []byte("case 24-0001 image bytes")
	require.Equal(t, SecureDigest(in), SecureDigest(in))
	require.Len(t, SecureDigest(in), 64)
	require.NotEqual(t, SecureDigest(in), SecureDigest([]byte("case 24-0001 image byteS")))
}

func TestFastChecksum(t *testing.T) {
	// CRC-32/IEEE 标准测试向量
	require.Equal(t, "cbf43926", FastChecksum([]byte("123456789")))
	require.True(t, Equal("CBF43926", FastChecksum([]byte("123456789"))))
}

func TestEqual(t *testing.T) {
	require.True(t, Equal("ABCDEF", "abcdef"))
	require.True(t, Equal(" abc ", "abc"))
	require.False(t, Equal("", ""))
	require.False(t, Equal("abc", "abd"))
}

func TestCanonicalJSONIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"b":1,"a":{"y":[1,2],"x":"<v>"}}`)
	b := []byte("{\n  \"a\": {\"x\": \"<v>\", \"y\": [1, 2]},\n  \"b\": 1\n}")

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)

	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":{"x":"<v>","y":[1,2]},"b":1}`, string(ca))
	require.Equal(t, SecureDigest(ca), SecureDigest(cb))
}

func TestCanonicalJSONKeepsNumberText(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"n":12345678901234567890,"f":1.50}`))
	require.NoError(t, err)
	require.Equal(t, `{"f":1.50,"n":12345678901234567890}`, string(out))
}

func TestCanonicalJSONRejectsTrailingData(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":1}{"b":2}`))
	require.Error(t, err)
}

func TestText(t *testing.T) {
	require.Equal(t, Text("a", "b"), Text(" a", "b "))
	require.NotEqual(t, Text("a", "b"), Text("b", "a"))
}

func TestLinesKeepsWhitespace(t *testing.T) {
	require.NotEqual(t, Lines("a.png:h"), Lines(" a.png:h"))
	require.NotEqual(t, Lines("a", "b"), Lines("a\nb "))
	require.Equal(t, SecureDigest([]byte("a\nb")), Lines("a", "b"))
}
