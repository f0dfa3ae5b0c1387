package codec

import (
	"math/big"
)

// diff1Target is the Bitcoin difficulty-1 target: 0x00000000FFFF0000...0000.
var diff1Target = func() *big.Int {
	t := new(big.Int).SetUint64(0xFFFF)
	t.Lsh(t, 208) // shift into place: exponent 0x1d, mantissa 0x00FFFF
	return t
}()

// TargetFromNBits decodes the compact "nbits" representation used in block
// headers into a full 256-bit target, following Bitcoin's exact
// exponent/mantissa convention (a negative-flagged mantissa yields a zero
// target, matching Bitcoin Core's own compact encoding rules).
func TargetFromNBits(bits uint32) *big.Int {
	exponent := int(bits >> 24)
	mantissa := int64(bits & 0x007fffff)
	if bits&0x00800000 != 0 {
		mantissa = 0
	}

	target := big.NewInt(mantissa)
	shift := 8 * (exponent - 3)
	if shift > 0 {
		target.Lsh(target, uint(shift))
	} else if shift < 0 {
		target.Rsh(target, uint(-shift))
	}
	return target
}

// TargetToNBits encodes a target as the compact "nbits" representation.
func TargetToNBits(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	bytes := target.Bytes()
	exponent := len(bytes)

	var mantissa uint32
	switch {
	case exponent >= 3:
		mantissa = uint32(bytes[0])<<16 | uint32(bytes[1])<<8 | uint32(bytes[2])
	case exponent == 2:
		mantissa = uint32(bytes[0])<<16 | uint32(bytes[1])<<8
	case exponent == 1:
		mantissa = uint32(bytes[0]) << 16
	}

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}
	return uint32(exponent)<<24 | mantissa
}

// TargetFromDifficulty converts a pool or network difficulty value into a
// 256-bit target: target = diff1Target / difficulty, computed exactly via
// rational arithmetic so fractional difficulties (2048.5, etc.) don't drift
// the way float64 division would.
func TargetFromDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}
	ratDiff := new(big.Rat).SetFloat64(difficulty)
	if ratDiff == nil {
		ratDiff = big.NewRat(1, 1)
	}
	ratTarget := new(big.Rat).SetInt(diff1Target)
	ratTarget.Quo(ratTarget, ratDiff)

	quotient := new(big.Int).Quo(ratTarget.Num(), ratTarget.Denom())
	return quotient
}

// DifficultyFromTarget is the inverse of TargetFromDifficulty, used to
// report a share's or a network target's equivalent pool difficulty.
func DifficultyFromTarget(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	ratTarget := new(big.Rat).SetInt(target)
	ratDiff1 := new(big.Rat).SetInt(diff1Target)
	result := new(big.Rat).Quo(ratDiff1, ratTarget)
	f, _ := result.Float64()
	return f
}

// HashToBig interprets a raw double-SHA-256 digest (as produced by
// DoubleSHA256, in the byte order hashing naturally yields) as the 256-bit
// integer Bitcoin compares against targets: the digest is read in
// little-endian order, equivalent to reversing it and parsing big-endian.
func HashToBig(hash []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(hash))
}

// HashMeetsTarget reports whether a raw digest satisfies (is numerically
// less than or equal to) a target, using the little-endian interpretation
// HashToBig defines.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	return HashToBig(hash).Cmp(target) <= 0
}
