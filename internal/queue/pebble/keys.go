package pebble

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Key layout:
//
//	meta/run            active cycle: {args, running}
//	meta/seq            next sequence number
//	pend/{seq}          pending key, in load order
//	dedup/{hash}        xxhash of a pending key -> the key
//	claim/{batchID}     claimed batch: {keys, claimed_at}
//	err/{seq}           recorded KeyError
const (
	keyRun       = "meta/run"
	keySeq       = "meta/seq"
	prefixPend   = "pend/"
	prefixDedup  = "dedup/"
	prefixClaim  = "claim/"
	prefixErr    = "err/"
	prefixSuffix = 0xff
)

func seqKey(prefix string, seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	key := make([]byte, 0, len(prefix)+16)
	key = append(key, prefix...)
	return append(key, hex.EncodeToString(b[:])...)
}

func dedupKey(k string) []byte {
	sum := xxhash.Sum64String(k)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sum)
	key := make([]byte, 0, len(prefixDedup)+16)
	key = append(key, prefixDedup...)
	return append(key, hex.EncodeToString(b[:])...)
}

func claimKey(id string) []byte {
	return append([]byte(prefixClaim), id...)
}

// prefixEnd returns the exclusive upper bound for a prefix scan.
func prefixEnd(prefix string) []byte {
	return append([]byte(prefix), prefixSuffix)
}

func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
