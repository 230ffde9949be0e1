package netsync

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Kernel is the external validation engine consumed by the sync manager.  It
// is treated as an opaque, thread-safe collaborator: SubmitBlock is assumed to
// be atomic and self-activating, and the engine owns all on-disk chain state.
type Kernel interface {
	// SubmitBlock hands a raw serialized block to the engine for
	// validation and connection to its chain.  A non-nil error means the
	// block was rejected.
	SubmitBlock(raw []byte) error

	// QueryTip returns the hash and height of the engine's current chain
	// tip.
	QueryTip() (chainhash.Hash, int32, error)
}

// ErrStubRejection is returned by the stub kernel for blocks it has been told
// to reject.
var ErrStubRejection = errors.New("block rejected")

// StubKernel is a trivial in-process Kernel used by tests and for running the
// daemon headless.  It accepts every submitted block, tracking only a tip
// hash and height, unless the block hash has been marked for rejection.
type StubKernel struct {
	mtx       sync.Mutex
	tipHash   chainhash.Hash
	tipHeight int32
	rejected  map[chainhash.Hash]struct{}
	submitted []chainhash.Hash
}

// NewStubKernel returns a stub kernel whose tip starts at the passed genesis
// hash and height zero.
func NewStubKernel(genesisHash chainhash.Hash) *StubKernel {
	return &StubKernel{
		tipHash:  genesisHash,
		rejected: make(map[chainhash.Hash]struct{}),
	}
}

// Reject marks the block with the given hash to be rejected on submission.
func (k *StubKernel) Reject(hash chainhash.Hash) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	k.rejected[hash] = struct{}{}
}

// SubmitBlock implements the Kernel interface.
func (k *StubKernel) SubmitBlock(raw []byte) error {
	hash := chainhash.DoubleHashH(raw[:80])

	k.mtx.Lock()
	defer k.mtx.Unlock()

	if _, ok := k.rejected[hash]; ok {
		return ErrStubRejection
	}

	k.tipHash = hash
	k.tipHeight++
	k.submitted = append(k.submitted, hash)
	return nil
}

// QueryTip implements the Kernel interface.
func (k *StubKernel) QueryTip() (chainhash.Hash, int32, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	return k.tipHash, k.tipHeight, nil
}

// Submitted returns the hashes of all accepted blocks in submission order.
func (k *StubKernel) Submitted() []chainhash.Hash {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	out := make([]chainhash.Hash, len(k.submitted))
	copy(out, k.submitted)
	return out
}
