package signature

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// obfuscationSeed scrambles secrets at rest. It hides them from casual
// inspection of a binary or a license document and nothing more.
var obfuscationSeed = []byte{0x5C, 0xA3, 0x17, 0xE9, 0x42, 0x8D, 0x6B, 0xF0, 0x21, 0x9E, 0x3A, 0xC4, 0x75, 0x08, 0xBD, 0x66}

func maskByte(i int) byte {
	return obfuscationSeed[i%len(obfuscationSeed)] ^ byte(i*29+7)
}

// Reveal recovers a secret scrambled with Conceal.
func Reveal(obfuscated []byte) []byte {
	out := make([]byte, len(obfuscated))
	for i, b := range obfuscated {
		out[i] = b ^ maskByte(i)
	}
	return out
}

// Conceal scrambles a secret for storage. Reveal(Conceal(x)) == x.
func Conceal(plain []byte) []byte {
	return Reveal(plain)
}

// ParseSecret decodes a configured secret given as hex or base64 and reveals it.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty secret")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return Reveal(b), nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return Reveal(b), nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return Reveal(b), nil
	}
	return nil, fmt.Errorf("secret is neither hex nor base64")
}
