// Package sharecode decodes CS match share codes into their match,
// outcome and token ids.
package sharecode

import (
	"errors"
	"math/big"
	"regexp"
	"strings"
)

const dictionary = "ABCDEFGHJKLMNOPQRSTUVWXYZabcdefhijkmnopqrstuvwxyz23456789"

var codeRe = regexp.MustCompile(`^(CSGO)?(-?[` + dictionary + `]{5}){5}$`)

// ErrInvalid is returned for strings that are not share codes.
var ErrInvalid = errors.New("invalid share code")

// Share is the decoded payload of a share code.
type Share struct {
	MatchID   uint64
	OutcomeID uint64
	TokenID   uint32
}

// IsValid reports whether code has share code shape.
func IsValid(code string) bool {
	return codeRe.MatchString(code)
}

// Decode unpacks a share code. The code is a base-57 big integer
// whose 144 bit payload is stored byte swapped.
func Decode(code string) (Share, error) {
	if !IsValid(code) {
		return Share{}, ErrInvalid
	}

	stripped := strings.NewReplacer("CSGO-", "", "-", "").Replace(code)

	base := big.NewInt(int64(len(dictionary)))
	n := new(big.Int)
	for i := len(stripped) - 1; i >= 0; i-- {
		idx := strings.IndexByte(dictionary, stripped[i])
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}

	n = swapEndianness(n)

	var buf [18]byte
	n.FillBytes(buf[:])

	// buf is big endian: token in the top two bytes, then outcome,
	// then match id.
	return Share{
		MatchID:   beUint64(buf[10:18]),
		OutcomeID: beUint64(buf[2:10]),
		TokenID:   uint32(buf[0])<<8 | uint32(buf[1]),
	}, nil
}

// swapEndianness reverses the byte order of the 144 bit payload.
func swapEndianness(n *big.Int) *big.Int {
	result := new(big.Int)
	mask := big.NewInt(0xFF)

	for i := 0; i < 144; i += 8 {
		b := new(big.Int).Rsh(n, uint(i))
		b.And(b, mask)
		result.Lsh(result, 8)
		result.Add(result, b)
	}

	return result
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
