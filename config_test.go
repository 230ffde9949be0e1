package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddresses(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		port string
		want []string
	}{
		{
			name: "append default port",
			in:   []string{"127.0.0.1", "example.com"},
			port: "8333",
			want: []string{"127.0.0.1:8333", "example.com:8333"},
		},
		{
			name: "existing port preserved",
			in:   []string{"127.0.0.1:18333"},
			port: "8333",
			want: []string{"127.0.0.1:18333"},
		},
		{
			name: "duplicates removed",
			in:   []string{"127.0.0.1", "127.0.0.1:8333"},
			port: "8333",
			want: []string{"127.0.0.1:8333"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			got := normalizeAddresses(test.in, test.port)
			require.Equal(t, test.want, got)
		})
	}
}

func TestParseListeners(t *testing.T) {
	// Wildcard hosts expand to both stacks.
	addrs, err := parseListeners([]string{":8333"})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "tcp4", addrs[0].Network())
	require.Equal(t, "tcp6", addrs[1].Network())

	// Explicit IPv4 and IPv6 hosts pick their stack.
	addrs, err = parseListeners([]string{"127.0.0.1:8333", "[::1]:8333"})
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "tcp4", addrs[0].Network())
	require.Equal(t, "tcp6", addrs[1].Network())

	// Hostnames are rejected.
	_, err = parseListeners([]string{"example.com:8333"})
	require.Error(t, err)
}
