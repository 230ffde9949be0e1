package addrmgr

import (
	"container/list"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
)

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the Bitcoin network.  Addresses are partitioned into a
// "new" table for addresses that have never completed a handshake and a
// "tried" table for addresses that have.  An address belongs to exactly one
// of the two tables at any time.
type AddrManager struct {
	mtx            sync.RWMutex
	peersFile      string
	lookupFunc     func(string) ([]net.IP, error)
	rand           *mrand.Rand
	key            [32]byte
	addrIndex      map[string]*KnownAddress // address key to ka for all addrs.
	addrNew        [newBucketCount]map[string]*KnownAddress
	addrTried      [triedBucketCount]*list.List
	started        int32
	shutdown       int32
	wg             sync.WaitGroup
	quit           chan struct{}
	nTried         int
	nNew           int
	lamtx          sync.Mutex
	localAddresses map[string]*wire.NetAddress
	dumpTicker     ticker.Ticker
}

type serializedKnownAddress struct {
	Addr        string
	Src         string
	Services    uint64
	SrcServices uint64
	TimeStamp   int64
	Attempts    int
	LastAttempt int64
	LastSuccess int64
	// no refcount or tried, that is determined by which bucket lists
	// contain the address.
}

type serializedAddrManager struct {
	Version      int
	Key          [32]byte
	Addresses    []*serializedKnownAddress
	NewBuckets   [newBucketCount][]string // string is NetAddressKey
	TriedBuckets [triedBucketCount][]string
}

const (
	// newBucketCount is the number of buckets that the new addresses are
	// spread over.
	newBucketCount = 1024

	// triedBucketCount is the number of buckets the tried addresses are
	// spread over.
	triedBucketCount = 256

	// bucketSize is the maximum number of addresses a single new or tried
	// bucket will hold before insertion triggers an eviction.
	bucketSize = 64

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tried without a single success before
	// we assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 10

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// retryCooldown is how long an address that has exceeded maxFailures
	// is excluded from selection before becoming eligible again.
	retryCooldown = 10 * time.Minute

	// getAddrMax is the most addresses that we will send in response to a
	// getaddr (in practise the most addresses we will return from a
	// call to AddressCache()).
	getAddrMax = 1000

	// getAddrPercent is the percentage of total addresses known that we
	// will share with a call to AddressCache.
	getAddrPercent = 23

	// serialisationVersion is the current version of the on-disk format.
	serialisationVersion = 2

	// dumpAddressInterval is the interval used to dump the address
	// cache to disk for future use.
	dumpAddressInterval = time.Minute * 10
)

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.
func (a *AddrManager) updateAddress(netAddr, srcAddr *wire.NetAddress) {
	// Filter out non-routable addresses. Note that non-routable
	// also includes invalid and local addresses.
	if !IsRoutable(netAddr) {
		return
	}

	// Never take addresses we already advertise for ourselves.
	if a.isLocalAddress(netAddr) {
		return
	}

	addr := NetAddressKey(netAddr)
	ka := a.addrIndex[addr]
	if ka != nil {
		// Update the last seen time and services.
		// note that to prevent causing excess garbage on getaddr
		// messages the netaddresses in addrmanager are *immutable*,
		// if we need to change them then we replace the pointer with a
		// new copy so that we don't have to copy every na for getaddr.
		if netAddr.Timestamp.After(ka.na.Timestamp) ||
			(ka.na.Services&netAddr.Services) != netAddr.Services {

			naCopy := *ka.na
			naCopy.Timestamp = netAddr.Timestamp
			naCopy.AddService(netAddr.Services)
			ka.na = &naCopy
		}

		// Already in either table: duplicate endpoints are ignored.
		return
	}

	ka = &KnownAddress{na: netAddr, srcAddr: srcAddr}
	bucket := a.getNewBucket(netAddr, srcAddr)

	// Enforce max addresses.
	if len(a.addrNew[bucket]) >= bucketSize {
		a.expireNew(bucket)
	}

	a.nNew++
	a.addrIndex[addr] = ka
	a.addrNew[bucket][addr] = ka

	log.Tracef("Added new address %s for a total of %d addresses", addr,
		a.nTried+a.nNew)
}

// expireNew makes space in the new buckets by expiring the really bad entries.
// If no bad entries are available we remove the least recently seen.
func (a *AddrManager) expireNew(bucket int) {
	// First see if there are any entries that are so bad we can just throw
	// them away. otherwise we throw away the least recently seen entry.
	var oldest *KnownAddress
	for k, v := range a.addrNew[bucket] {
		if v.isBad() {
			log.Tracef("expiring bad address %v", k)
			delete(a.addrNew[bucket], k)
			delete(a.addrIndex, k)
			a.nNew--
			return
		}
		if oldest == nil {
			oldest = v
		} else if !v.na.Timestamp.After(oldest.na.Timestamp) {
			oldest = v
		}
	}

	if oldest != nil {
		key := NetAddressKey(oldest.na)
		log.Tracef("expiring oldest address %v", key)

		delete(a.addrNew[bucket], key)
		delete(a.addrIndex, key)
		a.nNew--
	}
}

// pickTried returns the element of the tried bucket with the oldest last
// successful contact, which is the candidate for demotion on a collision.
func (a *AddrManager) pickTried(bucket int) *list.Element {
	var oldest *KnownAddress
	var oldestElem *list.Element
	for e := a.addrTried[bucket].Front(); e != nil; e = e.Next() {
		ka := e.Value.(*KnownAddress)
		if oldest == nil || oldest.lastsuccess.After(ka.lastsuccess) {
			oldestElem = e
			oldest = ka
		}
	}
	return oldestElem
}

func (a *AddrManager) getNewBucket(netAddr, srcAddr *wire.NetAddress) int {
	// bitcoind:
	// doublesha256(key + sourcegroup + int64(doublesha256(key + group +
	// sourcegroup))%bucket_per_source_group) % num_new_buckets

	data1 := []byte{}
	data1 = append(data1, a.key[:]...)
	data1 = append(data1, []byte(GroupKey(netAddr))...)
	data1 = append(data1, []byte(GroupKey(srcAddr))...)
	hash1 := chainhash.DoubleHashB(data1)
	hash64 := binary.LittleEndian.Uint64(hash1)
	hash64 %= newBucketsPerGroup
	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash64)
	data2 := []byte{}
	data2 = append(data2, a.key[:]...)
	data2 = append(data2, GroupKey(srcAddr)...)
	data2 = append(data2, hashbuf[:]...)

	hash2 := chainhash.DoubleHashB(data2)
	return int(binary.LittleEndian.Uint64(hash2) % newBucketCount)
}

// newBucketsPerGroup is the number of new buckets addresses from a single
// source network group may map into.
const newBucketsPerGroup = 64

func (a *AddrManager) getTriedBucket(netAddr *wire.NetAddress) int {
	// bitcoind hashes this as:
	// doublesha256(key + group + truncate_to_64bits(doublesha256(key +
	// addr))%buckets_per_group) % num_buckets
	data1 := []byte{}
	data1 = append(data1, a.key[:]...)
	data1 = append(data1, []byte(NetAddressKey(netAddr))...)
	hash1 := chainhash.DoubleHashB(data1)
	hash64 := binary.LittleEndian.Uint64(hash1)
	hash64 %= triedBucketsPerGroup
	var hashbuf [8]byte
	binary.LittleEndian.PutUint64(hashbuf[:], hash64)
	data2 := []byte{}
	data2 = append(data2, a.key[:]...)
	data2 = append(data2, GroupKey(netAddr)...)
	data2 = append(data2, hashbuf[:]...)

	hash2 := chainhash.DoubleHashB(data2)
	return int(binary.LittleEndian.Uint64(hash2) % triedBucketCount)
}

// triedBucketsPerGroup is the number of tried buckets addresses from a single
// network group may map into.
const triedBucketsPerGroup = 8

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	defer a.wg.Done()

	a.dumpTicker.Resume()
	defer a.dumpTicker.Stop()

out:
	for {
		select {
		case <-a.dumpTicker.Ticks():
			a.savePeers()

		case <-a.quit:
			break out
		}
	}
	a.savePeers()
	log.Trace("Address handler done")
}

// savePeers saves all the known addresses to a file so they can be read back
// in at next run.
func (a *AddrManager) savePeers() {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	// First we make a serialisable datastructure so we can encode it to
	// json.
	sam := new(serializedAddrManager)
	sam.Version = serialisationVersion
	copy(sam.Key[:], a.key[:])

	sam.Addresses = make([]*serializedKnownAddress, 0, len(a.addrIndex))
	for k, v := range a.addrIndex {
		ska := new(serializedKnownAddress)
		ska.Addr = k
		ska.TimeStamp = v.na.Timestamp.Unix()
		ska.Src = NetAddressKey(v.srcAddr)
		ska.Services = uint64(v.na.Services)
		ska.SrcServices = uint64(v.srcAddr.Services)
		ska.Attempts = v.attempts
		ska.LastAttempt = v.lastattempt.Unix()
		ska.LastSuccess = v.lastsuccess.Unix()
		// Tried and refs are implicit in the rest of the structure
		// and will be worked out from context on unserialisation.
		sam.Addresses = append(sam.Addresses, ska)
	}
	for i := range a.addrNew {
		sam.NewBuckets[i] = make([]string, 0, len(a.addrNew[i]))
		for k := range a.addrNew[i] {
			sam.NewBuckets[i] = append(sam.NewBuckets[i], k)
		}
	}
	for i := range a.addrTried {
		sam.TriedBuckets[i] = make([]string, 0, a.addrTried[i].Len())
		for e := a.addrTried[i].Front(); e != nil; e = e.Next() {
			ka := e.Value.(*KnownAddress)
			sam.TriedBuckets[i] = append(sam.TriedBuckets[i],
				NetAddressKey(ka.na))
		}
	}

	w, err := os.Create(a.peersFile)
	if err != nil {
		log.Errorf("Error opening file %s: %v", a.peersFile, err)
		return
	}
	enc := json.NewEncoder(w)
	defer w.Close()
	if err := enc.Encode(&sam); err != nil {
		log.Errorf("Failed to encode file %s: %v", a.peersFile, err)
		return
	}
}

// loadPeers loads the known address from the saved file.  If empty, missing, or
// malformed file, just don't load anything and start fresh.
func (a *AddrManager) loadPeers() {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	err := a.deserializePeers(a.peersFile)
	if err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersFile, err)
		// if it is invalid we nuke the old one unconditionally.
		err = os.Remove(a.peersFile)
		if err != nil {
			log.Warnf("Failed to remove corrupt peers file %s: %v",
				a.peersFile, err)
		}
		a.reset()
		return
	}
	log.Infof("Loaded %d addresses from file '%s'", a.numAddresses(),
		a.peersFile)
}

func (a *AddrManager) deserializePeers(filePath string) error {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	r, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s error opening file: %w", filePath, err)
	}
	defer r.Close()

	var sam serializedAddrManager
	dec := json.NewDecoder(r)
	err = dec.Decode(&sam)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", filePath, err)
	}

	if sam.Version != serialisationVersion {
		return fmt.Errorf("unknown version %v in serialized "+
			"addrmanager", sam.Version)
	}
	copy(a.key[:], sam.Key[:])

	for _, v := range sam.Addresses {
		ka := new(KnownAddress)
		ka.na, err = a.DeserializeNetAddress(v.Addr,
			wire.ServiceFlag(v.Services))
		if err != nil {
			return fmt.Errorf("failed to deserialize netaddress "+
				"%s: %w", v.Addr, err)
		}
		ka.srcAddr, err = a.DeserializeNetAddress(v.Src,
			wire.ServiceFlag(v.SrcServices))
		if err != nil {
			return fmt.Errorf("failed to deserialize netaddress "+
				"%s: %w", v.Src, err)
		}
		ka.na.Timestamp = time.Unix(v.TimeStamp, 0)
		ka.attempts = v.Attempts
		ka.lastattempt = time.Unix(v.LastAttempt, 0)
		ka.lastsuccess = time.Unix(v.LastSuccess, 0)
		a.addrIndex[NetAddressKey(ka.na)] = ka
	}

	for i := range sam.NewBuckets {
		for _, val := range sam.NewBuckets[i] {
			ka, ok := a.addrIndex[val]
			if !ok {
				return fmt.Errorf("newbucket contains %s but "+
					"none in address list", val)
			}

			a.nNew++
			a.addrNew[i][val] = ka
		}
	}
	for i := range sam.TriedBuckets {
		for _, val := range sam.TriedBuckets[i] {
			ka, ok := a.addrIndex[val]
			if !ok {
				return fmt.Errorf("Newbucket contains %s but "+
					"none in address list", val)
			}

			ka.tried = true
			a.nTried++
			a.addrTried[i].PushBack(ka)
		}
	}

	// Sanity checking: an address should be in exactly one of the tables.
	for k, v := range a.addrIndex {
		inNew := 0
		for i := range sam.NewBuckets {
			if _, ok := a.addrNew[i][k]; ok {
				inNew++
			}
		}
		if v.tried && inNew > 0 {
			return fmt.Errorf("address %s in both new and tried "+
				"tables", k)
		}
		if !v.tried && inNew == 0 {
			return fmt.Errorf("address %s not referenced by any "+
				"bucket", k)
		}
	}
	return nil
}

// DeserializeNetAddress converts a given address string to a *wire.NetAddress.
func (a *AddrManager) DeserializeNetAddress(addr string,
	services wire.ServiceFlag) (*wire.NetAddress, error) {

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	return a.HostToNetAddress(host, uint16(port), services)
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.
func (a *AddrManager) Start() {
	// Already started?
	if atomic.AddInt32(&a.started, 1) != 1 {
		return
	}

	log.Trace("Starting address manager")

	// Load peers we already know about from file.
	a.loadPeers()

	// Start the address ticker to save addresses periodically.
	a.wg.Add(1)
	go a.addressHandler()
}

// Stop gracefully shuts down the address manager by stopping the main handler.
func (a *AddrManager) Stop() error {
	if atomic.AddInt32(&a.shutdown, 1) != 1 {
		log.Warnf("Address manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	close(a.quit)
	a.wg.Wait()
	return nil
}

// AddAddresses adds new addresses to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It is
// safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []*wire.NetAddress,
	srcAddr *wire.NetAddress) {

	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, na := range addrs {
		a.updateAddress(na, srcAddr)
	}
}

// AddAddress adds a new address to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It is
// safe for concurrent access.
func (a *AddrManager) AddAddress(addr, srcAddr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.updateAddress(addr, srcAddr)
}

// AddAddressByIP adds an address where we are given an ip:port and not a
// wire.NetAddress.
func (a *AddrManager) AddAddressByIP(addrIP string) error {
	// Split IP and port
	addr, portStr, err := net.SplitHostPort(addrIP)
	if err != nil {
		return err
	}
	// Put it in wire.Netaddress
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("invalid ip address %s", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 0)
	if err != nil {
		return fmt.Errorf("invalid port %s: %w", portStr, err)
	}
	na := wire.NewNetAddressIPPort(ip, uint16(port), 0)
	a.AddAddress(na, na) // XXX use correct src address
	return nil
}

// NumAddresses returns the number of addresses known to the address manager.
func (a *AddrManager) numAddresses() int {
	return a.nTried + a.nNew
}

// NumAddresses returns the number of addresses known to the address manager.
func (a *AddrManager) NumAddresses() int {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	return a.numAddresses()
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	return a.numAddresses() < needAddressThreshold
}

// needAddressThreshold is the number of addresses under which the
// address manager will claim to need more addresses.
const needAddressThreshold = 1000

// AddressCache returns the current address cache.  It must be treated as
// read-only (but since it is a copy now, this is not as dangerous).
func (a *AddrManager) AddressCache() []*wire.NetAddress {
	allAddr := a.getAddresses()

	numAddresses := len(allAddr) * getAddrPercent / 100
	if numAddresses > getAddrMax {
		numAddresses = getAddrMax
	}

	// Fisher-Yates shuffle the array. We only need to do the first
	// `numAddresses' since we are throwing the rest.
	for i := 0; i < numAddresses; i++ {
		// pick a number between current index and the end
		j := a.rand.Intn(len(allAddr)-i) + i
		allAddr[i], allAddr[j] = allAddr[j], allAddr[i]
	}

	// slice off the limit we are willing to share.
	return allAddr[0:numAddresses]
}

// getAddresses returns all of the addresses currently found within the
// manager's address cache.
func (a *AddrManager) getAddresses() []*wire.NetAddress {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	addrIndexLen := len(a.addrIndex)
	if addrIndexLen == 0 {
		return nil
	}

	addrs := make([]*wire.NetAddress, 0, addrIndexLen)
	for _, v := range a.addrIndex {
		addrs = append(addrs, v.na)
	}

	return addrs
}

// reset resets the address manager by reinitialising the random source
// and allocating fresh empty bucket storage.
func (a *AddrManager) reset() {
	a.addrIndex = make(map[string]*KnownAddress)

	// fill key with bytes from a good random source.
	io := rand.Reader
	_, err := io.Read(a.key[:])
	if err != nil {
		// Fall back to insecure randomness: selection bias is a
		// robustness concern, not a safety one.
		for i := range a.key {
			a.key[i] = byte(a.rand.Intn(256))
		}
	}
	for i := range a.addrNew {
		a.addrNew[i] = make(map[string]*KnownAddress)
	}
	for i := range a.addrTried {
		a.addrTried[i] = list.New()
	}
	a.nNew = 0
	a.nTried = 0
}

// HostToNetAddress returns a netaddress given a host address.  If the address
// is a Tor .onion address this will be taken care of.  Else if the host is
// not an IP address it will be resolved (via Tor if required).
func (a *AddrManager) HostToNetAddress(host string, port uint16,
	services wire.ServiceFlag) (*wire.NetAddress, error) {

	// Tor address is 16 char base32 + ".onion"
	var ip net.IP
	if len(host) == 22 && host[16:] == ".onion" {
		// go base32 encoding uses capitals (as does the rfc
		// but Tor and bitcoind tend to user lowercase, so we switch
		// case here.
		data, err := base32.StdEncoding.DecodeString(
			strings.ToUpper(host[:16]))
		if err != nil {
			return nil, err
		}
		prefix := []byte{0xfd, 0x87, 0xd8, 0x7e, 0xeb, 0x43}
		ip = net.IP(append(prefix, data...))
	} else if ip = net.ParseIP(host); ip == nil {
		ips, err := a.lookupFunc(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		ip = ips[0]
	}

	return wire.NewNetAddressIPPort(ip, port, services), nil
}

// GetAddress returns a single address that should be routable.  It picks a
// random one from the possible addresses with preference given to ones that
// have not been used recently and should not pick 'close' addresses
// consecutively.  Addresses in their failure cooldown window are never
// returned.
func (a *AddrManager) GetAddress() *KnownAddress {
	// Protect concurrent access.
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.numAddresses() == 0 {
		return nil
	}

	// Use a 50% chance for choosing between tried and new table entries
	// when both are populated, preferring the tried table when only one
	// has entries.
	if a.nTried > 0 && (a.nNew == 0 || a.rand.Intn(2) == 0) {
		if ka := a.pickFromTried(); ka != nil {
			return ka
		}
		return a.pickFromNew()
	}
	if ka := a.pickFromNew(); ka != nil {
		return ka
	}
	return a.pickFromTried()
}

// FeelerAddress returns a candidate from the new table for a short-lived
// feeler connection used to probe reachability of untested addresses.  It
// returns nil if the new table is empty.
func (a *AddrManager) FeelerAddress() *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.nNew == 0 {
		return nil
	}
	return a.pickFromNew()
}

// pickFromTried selects an address from the tried buckets using chance
// weighted acceptance sampling.  Addresses in their failure cooldown are
// never returned.
//
// This function MUST be called with the manager lock held (for writes).
func (a *AddrManager) pickFromTried() *KnownAddress {
	// Bail early when every tried entry is cooling down, otherwise the
	// sampling loop below would never terminate.
	eligible := 0
	for i := range a.addrTried {
		for e := a.addrTried[i].Front(); e != nil; e = e.Next() {
			if !e.Value.(*KnownAddress).isCoolingDown() {
				eligible++
			}
		}
	}
	if eligible == 0 {
		return nil
	}

	large := 1 << 30
	factor := 1.0
	for {
		// Pick a random non-empty bucket and a random element in it.
		bucket := a.rand.Intn(len(a.addrTried))
		if a.addrTried[bucket].Len() == 0 {
			continue
		}
		e := a.addrTried[bucket].Front()
		for j := a.rand.Int63n(int64(a.addrTried[bucket].Len())); j > 0; j-- {
			e = e.Next()
		}
		ka := e.Value.(*KnownAddress)
		if ka.isCoolingDown() {
			continue
		}
		randval := a.rand.Intn(large)
		if float64(randval) < (factor * ka.chance() * float64(large)) {
			log.Tracef("Selected %v from tried bucket",
				NetAddressKey(ka.na))
			return ka
		}
		factor *= 1.2
	}
}

// pickFromNew selects an address from the new buckets using chance weighted
// acceptance sampling.  Addresses in their failure cooldown are never
// returned.
//
// This function MUST be called with the manager lock held (for writes).
func (a *AddrManager) pickFromNew() *KnownAddress {
	eligible := 0
	for i := range a.addrNew {
		for _, ka := range a.addrNew[i] {
			if !ka.isCoolingDown() {
				eligible++
			}
		}
	}
	if eligible == 0 {
		return nil
	}

	large := 1 << 30
	factor := 1.0
	for {
		bucket := a.rand.Intn(len(a.addrNew))
		if len(a.addrNew[bucket]) == 0 {
			continue
		}
		var ka *KnownAddress
		nth := a.rand.Intn(len(a.addrNew[bucket]))
		for _, value := range a.addrNew[bucket] {
			if nth == 0 {
				ka = value
				break
			}
			nth--
		}
		if ka.isCoolingDown() {
			continue
		}
		randval := a.rand.Intn(large)
		if float64(randval) < (factor * ka.chance() * float64(large)) {
			log.Tracef("Selected %v from new bucket",
				NetAddressKey(ka.na))
			return ka
		}
		factor *= 1.2
	}
}

func (a *AddrManager) find(addr *wire.NetAddress) *KnownAddress {
	return a.addrIndex[NetAddressKey(addr)]
}

// Attempt increases the given address' attempt counter and updates
// the last attempt time.
func (a *AddrManager) Attempt(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	// find address.
	// Surely address will be in tried by now?
	ka := a.find(addr)
	if ka == nil {
		return
	}
	// set last tried time to now
	ka.attempts++
	ka.lastattempt = time.Now()
}

// Connected Marks the given address as currently connected and working at the
// current time.  The address must already be known to AddrManager else it will
// be ignored.
func (a *AddrManager) Connected(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}

	// Update the time as long as it has been 20 minutes since last we did
	// so.
	now := time.Now()
	if now.After(ka.na.Timestamp.Add(time.Minute * 20)) {
		// ka.na is immutable, so replace it.
		naCopy := *ka.na
		naCopy.Timestamp = time.Now()
		ka.na = &naCopy
	}
}

// Good marks the given address as good.  To be called after a successful
// handshake.  The address is moved from the new table to the tried table.  If
// the destination tried bucket is full, the incumbent with the oldest
// successful contact is demoted back to the new table, but only when the
// candidate's last success is strictly more recent; otherwise the candidate
// stays in the new table.
func (a *AddrManager) Good(addr *wire.NetAddress) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return
	}

	// ka.Timestamp is not updated here to avoid leaking information
	// about currently connected peers.
	now := time.Now()
	ka.lastsuccess = now
	ka.lastattempt = now
	ka.attempts = 0

	// move to tried set, optionally evicting other addresses if needed.
	if ka.tried {
		return
	}

	// ok, need to move it to tried.

	// remove from all new buckets.
	// record one of the buckets in question and call it the `first'
	addrKey := NetAddressKey(addr)
	oldBucket := -1
	for i := range a.addrNew {
		// we check for existence so we can record the first one
		if _, ok := a.addrNew[i][addrKey]; ok {
			delete(a.addrNew[i], addrKey)
			if oldBucket == -1 {
				oldBucket = i
			}
		}
	}
	a.nNew--

	if oldBucket == -1 {
		// What? wasn't in a bucket after all.... Panic?
		return
	}

	bucket := a.getTriedBucket(ka.na)

	// Room in this tried bucket?
	if a.addrTried[bucket].Len() < bucketSize {
		ka.tried = true
		a.addrTried[bucket].PushBack(ka)
		a.nTried++
		return
	}

	// No room, we have to evict something else.
	entry := a.pickTried(bucket)
	rmka := entry.Value.(*KnownAddress)

	// The incumbent is kept unless the candidate has a strictly more
	// recent successful contact.
	if !ka.lastsuccess.After(rmka.lastsuccess) {
		// Candidate goes back into (stays in) the new table.
		newBucket := a.getNewBucket(ka.na, ka.srcAddr)
		if len(a.addrNew[newBucket]) >= bucketSize {
			a.expireNew(newBucket)
		}
		a.addrNew[newBucket][addrKey] = ka
		a.nNew++
		return
	}

	// First bucket it would have been put in.
	newBucket := a.getNewBucket(rmka.na, rmka.srcAddr)

	// replace with ka in list.
	ka.tried = true
	entry.Value = ka

	rmka.tried = false

	// We don't touch a.nTried here since the number of tried stays the
	// same but we decremented new above, raise it again since we're putting
	// something back.
	a.nNew++

	rmkey := NetAddressKey(rmka.na)
	log.Tracef("Replacing %s with %s in tried", rmkey, addrKey)

	// We made sure there is space here just above.
	if len(a.addrNew[newBucket]) >= bucketSize {
		a.expireNew(newBucket)
	}
	a.addrNew[newBucket][rmkey] = rmka
}

// AddLocalAddress adds an address that this node is listening on to the
// set of local addresses so the manager never hands our own address back to
// us via selection nor accepts it from remote peers.
func (a *AddrManager) AddLocalAddress(na *wire.NetAddress) error {
	if !IsRoutable(na) && !isLocal(na) {
		return fmt.Errorf("address %s is not routable",
			na.IP)
	}

	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	a.localAddresses[NetAddressKey(na)] = na
	return nil
}

// isLocalAddress reports whether na is one of our own advertised addresses.
func (a *AddrManager) isLocalAddress(na *wire.NetAddress) bool {
	a.lamtx.Lock()
	defer a.lamtx.Unlock()

	_, ok := a.localAddresses[NetAddressKey(na)]
	return ok
}

// New returns a new Bitcoin address manager.
// Use Start to begin processing asynchronous address updates.
func New(dataDir string, lookupFunc func(string) ([]net.IP, error)) *AddrManager {
	am := AddrManager{
		peersFile:      filepath.Join(dataDir, "peers.json"),
		lookupFunc:     lookupFunc,
		rand:           mrand.New(mrand.NewSource(time.Now().UnixNano())),
		quit:           make(chan struct{}),
		localAddresses: make(map[string]*wire.NetAddress),
		dumpTicker:     ticker.New(dumpAddressInterval),
	}
	am.reset()
	return &am
}
