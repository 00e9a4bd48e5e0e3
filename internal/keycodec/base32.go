package keycodec

import (
	"fmt"
	"math/big"
	"strings"
)

// Alphabet is the symbol set used by every key string, in digit order.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GroupSize is the number of symbols between two separators.
const GroupSize = 6

var (
	radix        = big.NewInt(int64(len(Alphabet)))
	symbolValues = buildSymbolValues()
)

func buildSymbolValues() [256]int8 {
	var values [256]int8
	for i := range values {
		values[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		values[Alphabet[i]] = int8(i)
	}
	return values
}

// EncodeBase32 renders data as an unsigned integer in base 32. The last byte
// of data is the most significant one; a virtual zero byte above it keeps the
// value non-negative. A separator is inserted every GroupSize symbols.
func EncodeBase32(data []byte) string {
	value := new(big.Int).SetBytes(littleToBig(data))

	var out []byte
	emitted := 0
	mod := new(big.Int)
	for value.Sign() > 0 {
		if emitted > 0 && emitted%GroupSize == 0 {
			out = append(out, '-')
		}
		value.DivMod(value, radix, mod)
		out = append(out, Alphabet[mod.Int64()])
		emitted++
	}

	// symbols were produced least significant first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// DecodeBase32 parses a string produced by EncodeBase32. Separators must
// already have been removed; use Normalize for user input. Leading zero
// symbols carry no information and high zero bytes are not reproduced.
func DecodeBase32(s string) ([]byte, error) {
	value := new(big.Int)
	digit := new(big.Int)
	for i := 0; i < len(s); i++ {
		v := symbolValues[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("%w: symbol %q at position %d", ErrInvalidSymbol, s[i], i)
		}
		value.Mul(value, radix)
		value.Add(value, digit.SetInt64(int64(v)))
	}
	return bigToLittle(value.Bytes()), nil
}

// Normalize strips separators and whitespace, upper-cases the input and
// replaces the letters missing from the alphabet with their look-alikes.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		switch r {
		case '-', ' ', '\t', '\r', '\n':
			continue
		case 'O':
			r = '0'
		case 'U':
			r = 'V'
		case 'I', 'L':
			r = 'J'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func littleToBig(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}
	return out
}

func bigToLittle(data []byte) []byte {
	return littleToBig(data)
}
