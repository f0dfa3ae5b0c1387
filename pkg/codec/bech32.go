package codec

import (
	"fmt"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Polymod(values []int) int {
	gen := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		b := (chk >> 25) & 0xff
		chk = ((chk & 0x1ffffff) << 5) ^ v
		for i := 0; i < 5; i++ {
			if (b>>uint(i))&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, int(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, int(c)&31)
	}
	return out
}

func bech32VerifyChecksum(hrp string, data []int) bool {
	return bech32Polymod(append(bech32HRPExpand(hrp), data...)) == 1
}

// bech32Decode splits a bech32 string into its human-readable part and
// 5-bit data payload (checksum stripped), or returns an error if the
// string is malformed or its checksum is invalid.
func bech32Decode(addr string) (string, []int, error) {
	for _, c := range addr {
		if c < 33 || c > 126 {
			return "", nil, fmt.Errorf("codec: invalid bech32 character")
		}
	}
	if addr != strings.ToLower(addr) && addr != strings.ToUpper(addr) {
		return "", nil, fmt.Errorf("codec: mixed-case bech32 string")
	}
	addr = strings.ToLower(addr)
	pos := strings.LastIndex(addr, "1")
	if pos < 1 || pos+7 > len(addr) {
		return "", nil, fmt.Errorf("codec: separator not found")
	}
	hrp := addr[:pos]
	data := make([]int, len(addr)-pos-1)
	for i, c := range addr[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return "", nil, fmt.Errorf("codec: invalid bech32 data character %q", c)
		}
		data[i] = idx
	}
	if !bech32VerifyChecksum(hrp, data) {
		return "", nil, fmt.Errorf("codec: bech32 checksum mismatch")
	}
	return hrp, data[:len(data)-6], nil
}

// convertBits repacks a slice of fromBits-wide values into toBits-wide
// values, used to translate bech32's 5-bit groups into 8-bit witness
// program bytes.
func convertBits(data []int, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc, bits := 0, uint(0)
	maxv := (1 << toBits) - 1
	var ret []byte
	for _, value := range data {
		if value < 0 || value>>fromBits != 0 {
			return nil, fmt.Errorf("codec: invalid bit group")
		}
		acc = (acc << fromBits) | value
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}
	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, fmt.Errorf("codec: non-zero padding in bit conversion")
	}
	return ret, nil
}

// DecodeSegwitAddress decodes a mainnet ("bc") bech32 segwit v0 address
// into its witness version and program. Only v0 P2WPKH (20-byte) and
// P2WSH (32-byte) programs are supported, matching the pool fee/payout
// address surface this pool actually needs to pay to.
func DecodeSegwitAddress(addr string) (version int, program []byte, err error) {
	hrp, data, err := bech32Decode(addr)
	if err != nil {
		return 0, nil, err
	}
	if hrp != "bc" {
		return 0, nil, fmt.Errorf("codec: unsupported bech32 network %q", hrp)
	}
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("codec: empty bech32 payload")
	}
	ver := data[0]
	prog, err := convertBits(data[1:], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}
	if ver == 0 && (len(prog) == 20 || len(prog) == 32) {
		return ver, prog, nil
	}
	return 0, nil, fmt.Errorf("codec: unsupported witness version %d or program length %d", ver, len(prog))
}

// ScriptPubKeyFromBech32 derives the scriptPubKey bytes for a mainnet
// segwit v0 address: OP_0 followed by the 20- or 32-byte witness program,
// push-encoded.
func ScriptPubKeyFromBech32(addr string) ([]byte, error) {
	ver, prog, err := DecodeSegwitAddress(addr)
	if err != nil {
		return nil, err
	}
	if ver != 0 {
		return nil, fmt.Errorf("codec: unsupported witness version %d for payout output", ver)
	}
	out := make([]byte, 0, 2+len(prog))
	out = append(out, 0x00) // OP_0
	out = append(out, PushData(prog)...)
	return out, nil
}
