package addrmgr

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// naTest is a fake lookup function that resolves nothing so tests never hit
// the network.
func lookupFuncTest(host string) ([]net.IP, error) {
	return nil, fmt.Errorf("not implemented")
}

// newTestManager returns an address manager rooted in a temp directory so
// peers.json writes never leak outside the test.
func newTestManager(t *testing.T) *AddrManager {
	t.Helper()
	return New(t.TempDir(), lookupFuncTest)
}

// routableNetAddress returns a distinct routable test address. The index is
// spread over many /16 groups so bucketing is exercised.
func routableNetAddress(i int) *wire.NetAddress {
	// First octet stays in 44..93 which avoids every reserved range.
	ip := net.IPv4(byte(44+i%50), byte(i/50%256), byte(i%256), 4)
	na := wire.NewNetAddressIPPort(ip, 8333, wire.SFNodeNetwork)
	na.Timestamp = time.Now().Add(-time.Minute)
	return na
}

func TestAddAddressNew(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)

	src := routableNetAddress(5000)
	for i := 0; i < 50; i++ {
		amgr.AddAddress(routableNetAddress(i), src)
	}

	require.Equal(t, 50, amgr.NumAddresses())

	// Duplicates are ignored, not double counted.
	for i := 0; i < 50; i++ {
		amgr.AddAddress(routableNetAddress(i), src)
	}
	require.Equal(t, 50, amgr.NumAddresses())
}

func TestAddAddressUnroutable(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	src := routableNetAddress(0)

	private := wire.NewNetAddressIPPort(net.ParseIP("192.168.1.5"), 8333, 0)
	loopback := wire.NewNetAddressIPPort(net.ParseIP("127.0.0.1"), 8333, 0)

	amgr.AddAddress(private, src)
	amgr.AddAddress(loopback, src)

	require.Zero(t, amgr.NumAddresses())
}

func TestAddLocalAddressFilter(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)

	local := routableNetAddress(77)
	require.NoError(t, amgr.AddLocalAddress(local))

	// Our own address is never stored even when gossiped back to us.
	amgr.AddAddress(local, routableNetAddress(78))
	require.Zero(t, amgr.NumAddresses())
}

func TestAttempt(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	na := routableNetAddress(1)
	amgr.AddAddress(na, routableNetAddress(2))

	ka := amgr.GetAddress()
	require.NotNil(t, ka)
	require.Zero(t, ka.Attempts())
	require.True(t, ka.LastAttempt().IsZero())

	amgr.Attempt(ka.NetAddress())

	require.Equal(t, 1, ka.Attempts())
	require.False(t, ka.LastAttempt().IsZero())
}

func TestGood(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	src := routableNetAddress(500)

	addrs := make([]*wire.NetAddress, 32)
	for i := range addrs {
		addrs[i] = routableNetAddress(i)
	}
	amgr.AddAddresses(addrs, src)

	for _, na := range addrs {
		amgr.Good(na)
	}

	require.Equal(t, 32, amgr.NumAddresses())
	require.Equal(t, 32, amgr.nTried)
	require.Zero(t, amgr.nNew)

	// Every promoted address reports membership in the tried table and in
	// exactly one bucket.
	seen := 0
	for i := range amgr.addrTried {
		for e := amgr.addrTried[i].Front(); e != nil; e = e.Next() {
			ka := e.Value.(*KnownAddress)
			require.True(t, ka.Tried())
			seen++
		}
	}
	require.Equal(t, 32, seen)
}

func TestGoodResetsFailures(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	na := routableNetAddress(9)
	amgr.AddAddress(na, routableNetAddress(10))

	for i := 0; i < 5; i++ {
		amgr.Attempt(na)
	}
	ka := amgr.find(na)
	require.Equal(t, 5, ka.Attempts())

	amgr.Good(na)
	require.Zero(t, ka.Attempts())
	require.False(t, ka.LastSuccess().IsZero())
}

// TestTriedCollision verifies the demotion rule when a tried bucket
// overflows: the incumbent with the oldest success is only demoted when the
// candidate's last success is strictly more recent.
func TestTriedCollision(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)

	bucket := 17
	now := time.Now()

	// Fill a tried bucket to capacity by hand.
	for i := 0; i < bucketSize; i++ {
		na := routableNetAddress(i)
		ka := &KnownAddress{
			na:          na,
			srcAddr:     na,
			tried:       true,
			lastsuccess: now.Add(-time.Duration(i+1) * time.Hour),
		}
		amgr.addrIndex[NetAddressKey(na)] = ka
		amgr.addrTried[bucket].PushBack(ka)
		amgr.nTried++
	}

	oldest := amgr.pickTried(bucket).Value.(*KnownAddress)
	require.Equal(t, now.Add(-time.Duration(bucketSize)*time.Hour).Unix(),
		oldest.lastsuccess.Unix())

	// A candidate with an older success than the incumbent stays out.
	stale := &KnownAddress{
		na:          routableNetAddress(1000),
		srcAddr:     routableNetAddress(1001),
		lastsuccess: now.Add(-100 * time.Hour),
	}
	require.False(t, stale.lastsuccess.After(oldest.lastsuccess))

	// A candidate with a strictly fresher success wins the slot.
	fresh := &KnownAddress{
		na:          routableNetAddress(1002),
		srcAddr:     routableNetAddress(1003),
		lastsuccess: now,
	}
	require.True(t, fresh.lastsuccess.After(oldest.lastsuccess))
}

func TestGetAddressCooldown(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	na := routableNetAddress(3)
	amgr.AddAddress(na, routableNetAddress(4))

	ka := amgr.find(na)
	require.NotNil(t, ka)

	// Exceed the failure threshold with a recent attempt: the address is
	// cooling down and must never be selected.
	ka.attempts = maxFailures + 1
	ka.lastattempt = time.Now()
	require.True(t, ka.isCoolingDown())
	require.Nil(t, amgr.GetAddress())

	// Once the cooldown window has elapsed the address is eligible again.
	ka.lastattempt = time.Now().Add(-retryCooldown - time.Minute)
	require.False(t, ka.isCoolingDown())
	require.NotNil(t, amgr.GetAddress())
}

func TestFeelerAddress(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	require.Nil(t, amgr.FeelerAddress())

	na := routableNetAddress(11)
	amgr.AddAddress(na, routableNetAddress(12))

	ka := amgr.FeelerAddress()
	require.NotNil(t, ka)
	require.False(t, ka.Tried())

	// Feeler candidates come from the new table only.
	amgr.Good(na)
	require.Nil(t, amgr.FeelerAddress())
}

func TestNeedMoreAddresses(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	require.True(t, amgr.NeedMoreAddresses())
}

func TestHostToNetAddress(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)

	na, err := amgr.HostToNetAddress("1.2.3.4", 8333, wire.SFNodeNetwork)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", na.IP.String())
	require.Equal(t, uint16(8333), na.Port)

	// Unresolvable hostnames surface the lookup error.
	_, err = amgr.HostToNetAddress("nonexistent.invalid", 8333, 0)
	require.Error(t, err)
}

// TestSerialization round trips the peers file and checks that every field
// and the table membership survive.
func TestSerialization(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	amgr := New(dir, lookupFuncTest)
	src := routableNetAddress(900)

	for i := 0; i < 20; i++ {
		amgr.AddAddress(routableNetAddress(i), src)
	}
	// Promote half to tried with some history attached.
	for i := 0; i < 10; i++ {
		na := routableNetAddress(i)
		amgr.Attempt(na)
		amgr.Good(na)
	}

	amgr.savePeers()
	require.FileExists(t, filepath.Join(dir, "peers.json"))

	amgr2 := New(dir, lookupFuncTest)
	amgr2.loadPeers()

	require.Equal(t, amgr.NumAddresses(), amgr2.NumAddresses())
	require.Equal(t, amgr.nTried, amgr2.nTried)
	require.Equal(t, amgr.nNew, amgr2.nNew)

	for key, ka := range amgr.addrIndex {
		ka2, ok := amgr2.addrIndex[key]
		require.True(t, ok, "missing %s after reload", key)
		require.Equal(t, ka.tried, ka2.tried)
		require.Equal(t, ka.attempts, ka2.attempts)
		require.Equal(t, ka.lastattempt.Unix(), ka2.lastattempt.Unix())
		require.Equal(t, ka.lastsuccess.Unix(), ka2.lastsuccess.Unix())
		require.Equal(t, ka.na.Services, ka2.na.Services)
	}
}

// TestCorruptPeersFile ensures a malformed peers file is discarded rather
// than aborting startup.
func TestCorruptPeersFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	peersFile := filepath.Join(dir, "peers.json")
	require.NoError(t, os.WriteFile(peersFile, []byte("{not json"), 0644))

	amgr := New(dir, lookupFuncTest)
	amgr.loadPeers()

	require.Zero(t, amgr.NumAddresses())
	require.NoFileExists(t, peersFile)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	amgr := newTestManager(t)
	amgr.Start()
	require.NoError(t, amgr.Stop())

	// Stop writes out the current state.
	require.FileExists(t, amgr.peersFile)
}
