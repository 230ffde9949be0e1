package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newTestPingManager constructs a ping manager with short intervals whose
// outgoing pings are captured on the returned channel and whose failures are
// pushed onto the returned error channel.
func newTestPingManager(t *testing.T, interval,
	timeout time.Duration) (*PingManager, chan *wire.MsgPing, chan error) {

	t.Helper()

	pingChan := make(chan *wire.MsgPing, 1)
	failChan := make(chan error, 1)

	var nonce uint64
	mgr := NewPingManager(&PingManagerConfig{
		NewPingNonce: func() uint64 {
			nonce++
			return nonce
		},
		IntervalDuration: interval,
		TimeoutDuration:  timeout,
		SendPing: func(ping *wire.MsgPing) {
			pingChan <- ping
		},
		OnPongFailure: func(err error) {
			select {
			case failChan <- err:
			default:
			}
		},
	})
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Stop)

	return mgr, pingChan, failChan
}

func TestPingManagerRTT(t *testing.T) {
	t.Parallel()

	mgr, pingChan, failChan := newTestPingManager(
		t, 20*time.Millisecond, 5*time.Second,
	)

	require.Equal(t, int64(-1), mgr.GetPingTimeMicroSeconds())

	ping := <-pingChan
	mgr.ReceivedPong(wire.NewMsgPong(ping.Nonce))

	require.Eventually(t, func() bool {
		return mgr.GetPingTimeMicroSeconds() >= 0
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case err := <-failChan:
		t.Fatalf("unexpected ping failure: %v", err)
	default:
	}
}

func TestPingManagerNonceMismatch(t *testing.T) {
	t.Parallel()

	mgr, pingChan, failChan := newTestPingManager(
		t, 20*time.Millisecond, 5*time.Second,
	)

	ping := <-pingChan
	mgr.ReceivedPong(wire.NewMsgPong(ping.Nonce + 1000))

	select {
	case err := <-failChan:
		require.Contains(t, err.Error(), "does not match")
	case <-time.After(5 * time.Second):
		t.Fatal("nonce mismatch was not reported")
	}
}

func TestPingManagerTimeout(t *testing.T) {
	t.Parallel()

	_, pingChan, failChan := newTestPingManager(
		t, 20*time.Millisecond, 30*time.Millisecond,
	)

	// Never answer the ping and wait for the timeout to be reported.
	<-pingChan
	select {
	case err := <-failChan:
		require.Contains(t, err.Error(), "timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("ping timeout was not reported")
	}
}
