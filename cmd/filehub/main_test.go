package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/configuration"
)

// freeAddr reserves a loopback port and releases it for the server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestServeAnswersHTTPAndStopsOnCancel(t *testing.T) {
	addr := freeAddr(t)
	doc := fmt.Sprintf(`version: 0.1
http:
  addr: %s
database:
  path: %s
secrets:
  key: main-test-key
`, addr, filepath.Join(t.TempDir(), "filehub.db"))

	config, err := configuration.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, config) }()

	// The scheduler runs alongside the listener, so health must come up
	// even while the tick loop is live.
	var status int
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		status = resp.StatusCode
		return true
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, http.StatusOK, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
