// Package headerdb provides a persisted, height-indexed block header chain
// backed by walletdb.  It owns the last fully-synced header tip and supplies
// block locators for headers-first synchronization.
package headerdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bbolt driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

var (
	// headerBucket maps big-endian height to a serialized header record.
	headerBucket = []byte("headers")

	// hashIndexBucket maps block hash to big-endian height.
	hashIndexBucket = []byte("hashidx")

	// stateBucket holds the chain tip record.
	stateBucket = []byte("state")

	// tipKey locates the serialized tip record within stateBucket.
	tipKey = []byte("tip")
)

var (
	// ErrHeaderNotFound is returned when a requested header is not present
	// in the store.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrDiscontinuity is returned when an appended header does not
	// connect to the current chain tip.  The whole batch is rejected and
	// persisted state is unchanged.
	ErrDiscontinuity = errors.New("header does not connect to chain tip")
)

const (
	// headerRecordSize is the length of a serialized header record: an 80
	// byte wire block header followed by a 32 byte big-endian cumulative
	// work value.
	headerRecordSize = 80 + 32

	// dbTimeout is how long to wait on the bbolt file lock before giving
	// up opening the database.
	dbTimeout = 10 * time.Second

	// dbName is the filename of the header database.
	dbName = "headers.db"
)

// HeaderRecord bundles a block header with its derived chain position.
type HeaderRecord struct {
	Hash      chainhash.Hash
	PrevHash  chainhash.Hash
	Height    int32
	Timestamp time.Time
	Bits      uint32
	Work      *big.Int
}

// Store is a height-indexed persistent header chain.  All reads and writes go
// through a single walletdb database, and the current tip is cached in memory
// so hot-path queries avoid a transaction.
type Store struct {
	db     walletdb.DB
	params *chaincfg.Params

	mtx       sync.RWMutex
	tipHash   chainhash.Hash
	tipHeight int32
	tipWork   *big.Int
}

// Open opens the header store rooted at the passed directory, creating and
// seeding it with the genesis header when it does not exist yet.
func Open(dbPath string, params *chaincfg.Params) (*Store, error) {
	db, err := walletdb.Open("bdb", dbPath, true, dbTimeout)
	if errors.Is(err, walletdb.ErrDbDoesNotExist) {
		db, err = walletdb.Create("bdb", dbPath, true, dbTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open header db %s: %w",
			dbPath, err)
	}

	s := &Store{
		db:     db,
		params: params,
	}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadTip(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Header store opened, tip height %d (%s)", s.tipHeight,
		s.tipHash)
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initBuckets creates the required buckets and seeds the genesis header when
// the store is fresh.
func (s *Store) initBuckets() error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		headers, err := tx.CreateTopLevelBucket(headerBucket)
		if err != nil {
			return err
		}
		hashIdx, err := tx.CreateTopLevelBucket(hashIndexBucket)
		if err != nil {
			return err
		}
		state, err := tx.CreateTopLevelBucket(stateBucket)
		if err != nil {
			return err
		}

		// Already seeded?
		if state.Get(tipKey) != nil {
			return nil
		}

		genesis := s.params.GenesisBlock.Header
		genesisHash := genesis.BlockHash()
		work := blockchain.CalcWork(genesis.Bits)

		var heightKey [4]byte
		binary.BigEndian.PutUint32(heightKey[:], 0)

		record, err := serializeHeaderRecord(&genesis, work)
		if err != nil {
			return err
		}
		if err := headers.Put(heightKey[:], record); err != nil {
			return err
		}
		if err := hashIdx.Put(genesisHash[:], heightKey[:]); err != nil {
			return err
		}
		return state.Put(tipKey, serializeTip(&genesisHash, 0))
	})
}

// loadTip populates the in-memory tip cache from the state bucket.
func (s *Store) loadTip() error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		state := tx.ReadBucket(stateBucket)
		tipBytes := state.Get(tipKey)
		if tipBytes == nil {
			return errors.New("header store missing tip record")
		}
		hash, height, err := deserializeTip(tipBytes)
		if err != nil {
			return err
		}

		var heightKey [4]byte
		binary.BigEndian.PutUint32(heightKey[:], uint32(height))
		record := tx.ReadBucket(headerBucket).Get(heightKey[:])
		if record == nil {
			return fmt.Errorf("%w: tip height %d",
				ErrHeaderNotFound, height)
		}
		_, work, err := deserializeHeaderRecord(record)
		if err != nil {
			return err
		}

		s.mtx.Lock()
		s.tipHash = *hash
		s.tipHeight = height
		s.tipWork = work
		s.mtx.Unlock()
		return nil
	})
}

// Tip returns the hash and height of the current chain tip.
//
// This function is safe for concurrent access.
func (s *Store) Tip() (chainhash.Hash, int32) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.tipHash, s.tipHeight
}

// TotalWork returns the cumulative proof of work of the chain tip.
//
// This function is safe for concurrent access.
func (s *Store) TotalWork() *big.Int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return new(big.Int).Set(s.tipWork)
}

// PutHeaders appends a batch of headers to the chain.  The first header must
// connect to the current tip and each subsequent header must connect to its
// predecessor, otherwise ErrDiscontinuity is returned and nothing is written.
// The batch is committed in a single transaction.
func (s *Store) PutHeaders(headers []*wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Verify continuity over the whole batch up front so a rejected batch
	// has zero effect on persisted state.
	prevHash := s.tipHash
	for i, header := range headers {
		if header.PrevBlock != prevHash {
			return fmt.Errorf("%w: header %d prev %s, want %s",
				ErrDiscontinuity, i, header.PrevBlock, prevHash)
		}
		prevHash = header.BlockHash()
	}

	newWork := new(big.Int).Set(s.tipWork)
	newHeight := s.tipHeight
	var newTip chainhash.Hash

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		headerBkt := tx.ReadWriteBucket(headerBucket)
		hashIdx := tx.ReadWriteBucket(hashIndexBucket)
		state := tx.ReadWriteBucket(stateBucket)

		for _, header := range headers {
			newHeight++
			newWork.Add(newWork, blockchain.CalcWork(header.Bits))
			newTip = header.BlockHash()

			var heightKey [4]byte
			binary.BigEndian.PutUint32(heightKey[:],
				uint32(newHeight))

			record, err := serializeHeaderRecord(header, newWork)
			if err != nil {
				return err
			}
			if err := headerBkt.Put(heightKey[:], record); err != nil {
				return err
			}
			if err := hashIdx.Put(newTip[:], heightKey[:]); err != nil {
				return err
			}
		}

		return state.Put(tipKey, serializeTip(&newTip, newHeight))
	})
	if err != nil {
		return err
	}

	s.tipHash = newTip
	s.tipHeight = newHeight
	s.tipWork = newWork

	log.Debugf("Appended %d headers, new tip height %d (%s)",
		len(headers), newHeight, newTip)
	return nil
}

// FetchHeaderByHeight returns the header stored at the given height.
func (s *Store) FetchHeaderByHeight(height int32) (*wire.BlockHeader, error) {
	var header *wire.BlockHeader
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		var heightKey [4]byte
		binary.BigEndian.PutUint32(heightKey[:], uint32(height))

		record := tx.ReadBucket(headerBucket).Get(heightKey[:])
		if record == nil {
			return fmt.Errorf("%w: height %d", ErrHeaderNotFound,
				height)
		}
		var err error
		header, _, err = deserializeHeaderRecord(record)
		return err
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}

// FetchRecordByHeight returns the full header record, including the derived
// hash and cumulative work, stored at the given height.
func (s *Store) FetchRecordByHeight(height int32) (*HeaderRecord, error) {
	header, err := s.FetchHeaderByHeight(height)
	if err != nil {
		return nil, err
	}

	var work *big.Int
	err = walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		var heightKey [4]byte
		binary.BigEndian.PutUint32(heightKey[:], uint32(height))
		record := tx.ReadBucket(headerBucket).Get(heightKey[:])
		_, work, err = deserializeHeaderRecord(record)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &HeaderRecord{
		Hash:      header.BlockHash(),
		PrevHash:  header.PrevBlock,
		Height:    height,
		Timestamp: header.Timestamp,
		Bits:      header.Bits,
		Work:      work,
	}, nil
}

// HeightByHash returns the height of the header with the given hash, or
// ErrHeaderNotFound when the hash is unknown.
func (s *Store) HeightByHash(hash *chainhash.Hash) (int32, error) {
	var height int32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		heightBytes := tx.ReadBucket(hashIndexBucket).Get(hash[:])
		if heightBytes == nil {
			return fmt.Errorf("%w: hash %s", ErrHeaderNotFound,
				hash)
		}
		height = int32(binary.BigEndian.Uint32(heightBytes))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

// HasHeader reports whether a header with the given hash is already known.
// It is used for duplicate suppression during sync.
func (s *Store) HasHeader(hash *chainhash.Hash) bool {
	_, err := s.HeightByHash(hash)
	return err == nil
}

// BlockLocator returns a sparse block locator for the current tip: the ten
// most recent hashes followed by exponentially spaced older ones, always
// ending with the genesis hash.  This bounds locator size even on very long
// chains.
func (s *Store) BlockLocator() ([]*chainhash.Hash, error) {
	s.mtx.RLock()
	tipHeight := s.tipHeight
	s.mtx.RUnlock()

	var locator []*chainhash.Hash
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		headerBkt := tx.ReadBucket(headerBucket)

		hashAt := func(height int32) (*chainhash.Hash, error) {
			var heightKey [4]byte
			binary.BigEndian.PutUint32(heightKey[:],
				uint32(height))
			record := headerBkt.Get(heightKey[:])
			if record == nil {
				return nil, fmt.Errorf("%w: height %d",
					ErrHeaderNotFound, height)
			}
			header, _, err := deserializeHeaderRecord(record)
			if err != nil {
				return nil, err
			}
			hash := header.BlockHash()
			return &hash, nil
		}

		// Ten most recent headers back to back, then double the step
		// on each iteration.
		step := int32(1)
		for height := tipHeight; height > 0; height -= step {
			if len(locator) >= 10 {
				step *= 2
			}
			hash, err := hashAt(height)
			if err != nil {
				return err
			}
			locator = append(locator, hash)

			// Protect against underflow on the final step.
			if height-step < 0 {
				break
			}
		}

		genesisHash := s.params.GenesisBlock.Header.BlockHash()
		locator = append(locator, &genesisHash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locator, nil
}

// serializeHeaderRecord encodes a header plus its cumulative work.
func serializeHeaderRecord(header *wire.BlockHeader, work *big.Int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(headerRecordSize)
	if err := header.Serialize(&buf); err != nil {
		return nil, err
	}

	var workBytes [32]byte
	work.FillBytes(workBytes[:])
	buf.Write(workBytes[:])
	return buf.Bytes(), nil
}

// deserializeHeaderRecord decodes a header record produced by
// serializeHeaderRecord.
func deserializeHeaderRecord(record []byte) (*wire.BlockHeader, *big.Int, error) {
	if len(record) != headerRecordSize {
		return nil, nil, fmt.Errorf("malformed header record length %d",
			len(record))
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(record[:80])); err != nil {
		return nil, nil, err
	}
	work := new(big.Int).SetBytes(record[80:])
	return &header, work, nil
}

// serializeTip encodes the tip record as hash followed by big-endian height.
func serializeTip(hash *chainhash.Hash, height int32) []byte {
	record := make([]byte, chainhash.HashSize+4)
	copy(record, hash[:])
	binary.BigEndian.PutUint32(record[chainhash.HashSize:], uint32(height))
	return record
}

// deserializeTip decodes a record produced by serializeTip.
func deserializeTip(record []byte) (*chainhash.Hash, int32, error) {
	if len(record) != chainhash.HashSize+4 {
		return nil, 0, fmt.Errorf("malformed tip record length %d",
			len(record))
	}
	hash, err := chainhash.NewHash(record[:chainhash.HashSize])
	if err != nil {
		return nil, 0, err
	}
	height := int32(binary.BigEndian.Uint32(record[chainhash.HashSize:]))
	return hash, height, nil
}
