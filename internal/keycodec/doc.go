// Package keycodec converts the fixed-layout byte buffers used by activation
// request keys and activation keys to and from human-typable strings.
//
// # Alphabet
//
// Keys use a 32-symbol alphabet made of the ten digits and 22 upper-case
// letters. I, L, O and U are excluded so that a key read aloud or copied by
// hand cannot be confused with 1, 0 or V. Decoders map the excluded letters
// back onto their look-alikes before decoding.
//
// # Layout
//
// Both key kinds are 23 bytes long and end with the padding byte 15. The
// padding byte is the most significant byte of the encoded integer, which is
// what keeps every key at exactly 36 symbols (six groups of six).
//
//	Activation Request Key: time(3) sku(2) identity(16), XOR-chained, checksum(1) padding(1)
//	Activation Key:         signature(8) expiration(2) flags(1) reserved(1) count(1) params(9) padding(1)
//
// All functions in this package are pure and safe for concurrent use.
package keycodec
