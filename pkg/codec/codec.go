// Package codec implements the wire-level primitives shared by the job
// builder, the share validator and the block submitter: varints, little
// endian integers, BIP-62 pushdata, double-SHA-256 and merkle branches.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// DoubleSHA256 computes SHA256(SHA256(data)), Bitcoin's hashing primitive.
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a new slice with the bytes of data in reverse order.
// Used throughout to convert between the internal (little-endian) and
// wire/display (big-endian) byte order Bitcoin uses for hashes.
func ReverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

// PutUint16LE appends v to dst in little-endian order.
func PutUint16LE(dst []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(dst, buf[:]...)
}

// PutUint32LE appends v to dst in little-endian order.
func PutUint32LE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutUint64LE appends v to dst in little-endian order.
func PutUint64LE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// EncodeVarInt appends the Bitcoin CompactSize encoding of n to dst.
func EncodeVarInt(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(dst, byte(n))
	case n <= 0xffff:
		dst = append(dst, 0xfd)
		return PutUint16LE(dst, uint16(n))
	case n <= 0xffffffff:
		dst = append(dst, 0xfe)
		return PutUint32LE(dst, uint32(n))
	default:
		dst = append(dst, 0xff)
		return PutUint64LE(dst, n)
	}
}

// DecodeVarInt reads a CompactSize integer from data starting at offset,
// returning the value and the number of bytes consumed.
func DecodeVarInt(data []byte, offset int) (uint64, int, error) {
	if offset >= len(data) {
		return 0, 0, fmt.Errorf("codec: varint offset %d out of range", offset)
	}
	first := data[offset]
	switch {
	case first < 0xfd:
		return uint64(first), 1, nil
	case first == 0xfd:
		if offset+3 > len(data) {
			return 0, 0, fmt.Errorf("codec: truncated varint16")
		}
		return uint64(binary.LittleEndian.Uint16(data[offset+1 : offset+3])), 3, nil
	case first == 0xfe:
		if offset+5 > len(data) {
			return 0, 0, fmt.Errorf("codec: truncated varint32")
		}
		return uint64(binary.LittleEndian.Uint32(data[offset+1 : offset+5])), 5, nil
	default:
		if offset+9 > len(data) {
			return 0, 0, fmt.Errorf("codec: truncated varint64")
		}
		return binary.LittleEndian.Uint64(data[offset+1 : offset+9]), 9, nil
	}
}

// PushData returns the BIP-62 minimal-push encoding of data: a length
// prefix (direct byte, OP_PUSHDATA1/2/4) followed by the data itself.
func PushData(data []byte) []byte {
	n := len(data)
	switch {
	case n == 0:
		return []byte{0x00}
	case n < 0x4c:
		return append([]byte{byte(n)}, data...)
	case n <= 0xff:
		return append([]byte{0x4c, byte(n)}, data...)
	case n <= 0xffff:
		out := PutUint16LE([]byte{0x4d}, uint16(n))
		return append(out, data...)
	default:
		out := []byte{0x4e}
		out = PutUint32LE(out, uint32(n))
		return append(out, data...)
	}
}

// MerkleBranch computes the Stratum merkle branch for a transaction set
// whose first element (index 0) is the coinbase. Hashes must be 32 bytes
// each, in internal (little-endian) byte order. The result is the list of
// sibling hashes the coinbase's path folds against, outermost level last,
// matching the list a mining.notify message transmits.
func MerkleBranch(txids [][]byte) [][]byte {
	if len(txids) == 0 {
		return nil
	}
	level := make([][]byte, len(txids))
	copy(level, txids)

	var branch [][]byte
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, level[1])
		next := make([][]byte, 0, len(level)/2)
		next = append(next, level[0])
		for i := 2; i < len(level); i += 2 {
			combined := make([]byte, 0, 64)
			combined = append(combined, level[i]...)
			combined = append(combined, level[i+1]...)
			next = append(next, DoubleSHA256(combined))
		}
		level = next
	}
	return branch
}

// FoldMerkleBranch rebuilds the merkle root from a leaf hash (the
// coinbase txid, internal byte order) and the branch siblings it was
// computed against by MerkleBranch, in the same order.
func FoldMerkleBranch(leaf []byte, branch [][]byte) []byte {
	root := make([]byte, len(leaf))
	copy(root, leaf)
	for _, sib := range branch {
		combined := make([]byte, 0, 64)
		combined = append(combined, root...)
		combined = append(combined, sib...)
		root = DoubleSHA256(combined)
	}
	return root
}

// MerkleRoot computes the merkle root of a full set of leaf hashes
// (internal byte order) by building the first leaf's branch with
// MerkleBranch and folding it with FoldMerkleBranch, so the final element
// at any odd level is duplicated per Bitcoin's convention.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}
	leaf := hashes[0]
	branch := MerkleBranch(hashes)
	return FoldMerkleBranch(leaf, branch)
}
