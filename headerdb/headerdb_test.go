package headerdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// openTestStore opens a fresh store in a temp directory and returns it along
// with its path so tests can reopen it.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), dbName)
	store, err := Open(dbPath, &chaincfg.SimNetParams)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store, dbPath
}

// makeHeaders generates a chain of count headers connecting to prevHash.  The
// headers carry valid linkage but no meaningful proof of work, which the
// store does not verify.
func makeHeaders(prevHash chainhash.Hash, count int) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, count)
	ts := time.Unix(1401292357, 0)
	for i := range headers {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prevHash,
			Timestamp: ts.Add(time.Duration(i) * 10 * time.Minute),
			Bits:      chaincfg.SimNetParams.GenesisBlock.Header.Bits,
			Nonce:     uint32(i),
		}
		// Vary the merkle root so every hash is unique.
		header.MerkleRoot[0] = byte(i)
		header.MerkleRoot[1] = byte(i >> 8)
		headers[i] = header
		prevHash = header.BlockHash()
	}
	return headers
}

func TestGenesisSeed(t *testing.T) {
	store, _ := openTestStore(t)

	hash, height := store.Tip()
	require.Equal(t, int32(0), height)
	require.Equal(t, *chaincfg.SimNetParams.GenesisHash, hash)
	require.True(t, store.HasHeader(chaincfg.SimNetParams.GenesisHash))
	require.Positive(t, store.TotalWork().Sign())
}

func TestPutHeadersRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	genesisHash, _ := store.Tip()
	headers := makeHeaders(genesisHash, 25)
	require.NoError(t, store.PutHeaders(headers))

	tipHash, tipHeight := store.Tip()
	require.Equal(t, int32(25), tipHeight)
	require.Equal(t, headers[24].BlockHash(), tipHash)

	// Every header round trips by height and by hash.
	for i, want := range headers {
		height := int32(i + 1)
		got, err := store.FetchHeaderByHeight(height)
		require.NoError(t, err)
		require.Equal(t, want.BlockHash(), got.BlockHash())

		hash := want.BlockHash()
		gotHeight, err := store.HeightByHash(&hash)
		require.NoError(t, err)
		require.Equal(t, height, gotHeight)
	}

	// Record fields are fully populated.
	record, err := store.FetchRecordByHeight(10)
	require.NoError(t, err)
	require.Equal(t, headers[9].BlockHash(), record.Hash)
	require.Equal(t, headers[9].PrevBlock, record.PrevHash)
	require.Equal(t, int32(10), record.Height)
	require.Equal(t, headers[9].Bits, record.Bits)
	require.Positive(t, record.Work.Sign())
}

func TestPutHeadersDiscontinuity(t *testing.T) {
	store, _ := openTestStore(t)

	genesisHash, _ := store.Tip()
	headers := makeHeaders(genesisHash, 5)

	// Break the linkage in the middle of the batch.
	headers[3].PrevBlock = chainhash.Hash{0xde, 0xad}

	err := store.PutHeaders(headers)
	require.ErrorIs(t, err, ErrDiscontinuity)

	// A rejected batch has zero effect on persisted state.
	_, tipHeight := store.Tip()
	require.Equal(t, int32(0), tipHeight)
	firstHash := headers[0].BlockHash()
	require.False(t, store.HasHeader(&firstHash))
}

func TestTipPersistsAcrossReopen(t *testing.T) {
	store, dbPath := openTestStore(t)

	genesisHash, _ := store.Tip()
	headers := makeHeaders(genesisHash, 12)
	require.NoError(t, store.PutHeaders(headers))

	wantHash, wantHeight := store.Tip()
	wantWork := store.TotalWork()
	require.NoError(t, store.Close())

	reopened, err := Open(dbPath, &chaincfg.SimNetParams)
	require.NoError(t, err)
	defer reopened.Close()

	gotHash, gotHeight := reopened.Tip()
	require.Equal(t, wantHash, gotHash)
	require.Equal(t, wantHeight, gotHeight)
	require.Zero(t, wantWork.Cmp(reopened.TotalWork()))
}

func TestBlockLocator(t *testing.T) {
	store, _ := openTestStore(t)

	// A genesis-only chain produces a genesis-only locator.
	locator, err := store.BlockLocator()
	require.NoError(t, err)
	require.Len(t, locator, 1)
	require.Equal(t, *chaincfg.SimNetParams.GenesisHash, *locator[0])

	genesisHash, _ := store.Tip()
	headers := makeHeaders(genesisHash, 100)
	require.NoError(t, store.PutHeaders(headers))

	locator, err = store.BlockLocator()
	require.NoError(t, err)

	// Starts at the tip, ends at genesis, and is sparse in between.
	require.Equal(t, headers[99].BlockHash(), *locator[0])
	require.Equal(t, *chaincfg.SimNetParams.GenesisHash,
		*locator[len(locator)-1])
	require.Less(t, len(locator), 30)

	// First ten entries are consecutive.
	for i := 0; i < 10; i++ {
		require.Equal(t, headers[99-i].BlockHash(), *locator[i])
	}
}
