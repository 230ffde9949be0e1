package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRequestShutdown closes the shutdown channel on a programmatic request
// and tolerates repeated requests.
func TestRequestShutdown(t *testing.T) {
	require.True(t, Alive())

	RequestShutdown()
	select {
	case <-ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown channel was not closed")
	}
	require.False(t, Alive())

	// A second request is a no-op and must not block.
	RequestShutdown()
}
