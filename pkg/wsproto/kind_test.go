package wsproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		kind Kind
		in   string
		addr string
		path string
	}{
		{KindTCP, "host:4242", "host:4242", "/"},
		{KindTCP, "tcp://host:4242", "host:4242", "/"},
		{KindHTTP, "http://host/", "host:80", "/"},
		{KindHTTP, "http://host:8080/online/", "host:8080", "/online/"},
		{KindHTTP, "host", "host:80", "/"},
		{KindHTTPS, "https://example.com", "example.com:443", "/"},
		{KindHTTPS, "[::1]:8443", "[::1]:8443", "/"},
	}
	for _, c := range cases {
		tg, err := ParseTarget(c.kind, c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.addr, tg.Addr(), c.in)
		assert.Equal(t, c.path, tg.Path, c.in)
	}
}

func TestParseTargetRejects(t *testing.T) {
	bad := []struct {
		kind Kind
		in   string
	}{
		{KindTCP, ""},
		{KindTCP, "host"},
		{KindTCP, "http://host:80"},
		{KindHTTP, "https://host"},
		{KindHTTPS, "http://host"},
		{KindHTTP, "host:99999"},
		{KindHTTP, "http://"},
	}
	for _, c := range bad {
		_, err := ParseTarget(c.kind, c.in)
		assert.Error(t, err, "%s %q", c.kind, c.in)
	}
}

func TestParseKind(t *testing.T) {
	k, v, err := ParseKind("HTTPS_TLS1_3")
	require.NoError(t, err)
	assert.Equal(t, KindHTTPS, k)
	assert.Equal(t, TLSv13, v)

	k, v, err = ParseKind("tcp")
	require.NoError(t, err)
	assert.Equal(t, KindTCP, k)
	assert.Equal(t, TLSVersion(""), v)

	_, _, err = ParseKind(" ")
	assert.Error(t, err)
}
