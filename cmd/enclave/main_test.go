package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:8444", "localhost:8444", "[::1]:8444"} {
		require.NoError(t, checkLoopback(addr), addr)
	}
	for _, addr := range []string{"0.0.0.0:8444", "10.0.0.5:8444", ":8444", "example.com:8444", "127.0.0.1"} {
		require.Error(t, checkLoopback(addr), addr)
	}
}
