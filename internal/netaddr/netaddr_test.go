package netaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHost_IPv4(t *testing.T) {
	h, err := ParseHost("192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, INET, h.Family())
	assert.Equal(t, [4]byte{192, 168, 1, 1}, h.Octets4())
}

func TestParseHost_IPv4_LeadingWhitespace(t *testing.T) {
	h, err := ParseHost("  10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, h.Octets4())
}

func TestParseHost_IPv4_Trailing(t *testing.T) {
	_, err := ParseHost("10.0.0.1x")
	assert.Error(t, err)
}

func TestParseHost_IPv6(t *testing.T) {
	h, err := ParseHost("[::1]")
	require.NoError(t, err)
	assert.Equal(t, INET6, h.Family())
	assert.Equal(t, FormatHost(h), "[::1]")
}

func TestParseHost_IPv6_Unterminated(t *testing.T) {
	_, err := ParseHost("[::1")
	assert.Error(t, err)
}

func TestParseHost_IPv6_TrailingAfterBracket(t *testing.T) {
	_, err := ParseHost("[::1]x")
	assert.Error(t, err)
}

func TestFormatHost_IPv6Compression(t *testing.T) {
	cases := []struct {
		octets [16]byte
		want   string
	}{
		{[16]byte{}, "[::]"},
		{[16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, "[2001:db8::1]"},
		{[16]byte{0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 3}, "[1::2:3]"},
		// Lone zero group (run length 1) must not be compressed.
		{[16]byte{0, 1, 0, 2, 0, 0, 0, 3, 0, 4, 0, 5, 0, 6, 0, 7}, "[1:2:0:3:4:5:6:7]"},
	}
	for _, c := range cases {
		got := FormatHost(HostAddressFromIPv6(c.octets))
		assert.Equal(t, c.want, got)
	}
}

func TestFormatHost_LeftmostTiebreak(t *testing.T) {
	// Two equal-length zero runs at groups[1:3] and groups[4:6]; leftmost wins.
	octets := [16]byte{0, 1, 0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 7, 0, 8}
	got := FormatHost(HostAddressFromIPv6(octets))
	assert.Equal(t, "[1::4:0:0:7:8]", got)
}

func TestParseSocket_RoundTrip(t *testing.T) {
	cases := []string{"127.0.0.1:1080", "[::1]:1080", "[2001:db8::1]:443"}
	for _, s := range cases {
		a, err := ParseSocket(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, FormatSocket(a))
	}
}

func TestParseSocket_BadPort(t *testing.T) {
	for _, s := range []string{"127.0.0.1:0", "127.0.0.1:65536", "127.0.0.1:abc", "127.0.0.1"} {
		_, err := ParseSocket(s)
		assert.Error(t, err, s)
	}
}

func FuzzParseHost(f *testing.F) {
	f.Add("127.0.0.1")
	f.Add("[::1]")
	f.Add("")
	f.Add("[")
	f.Add("1.2.3.4.5")
	f.Fuzz(func(t *testing.T, s string) {
		if len(s) > 256 {
			s = s[:256]
		}
		_, _ = ParseHost(s) // must not panic
	})
}

func FuzzParseSocket(f *testing.F) {
	f.Add("127.0.0.1:80")
	f.Add("[::1]:80")
	f.Add(":")
	f.Add("garbage")
	f.Fuzz(func(t *testing.T, s string) {
		if len(s) > 256 {
			s = s[:256]
		}
		_, _ = ParseSocket(s) // must not panic
	})
}
