package keycodec

import "errors"

var (
	// ErrInvalidSymbol is returned when a key contains a character outside the alphabet.
	ErrInvalidSymbol = errors.New("invalid key symbol")
	// ErrInvalidLength is returned when a key or its decoded buffer has the wrong size.
	ErrInvalidLength = errors.New("invalid key length")
	// ErrChecksumMismatch is returned when the request key checksum chain does not verify.
	ErrChecksumMismatch = errors.New("key checksum mismatch")
	// ErrInvalidPadding is returned when the trailing padding byte is not 15.
	ErrInvalidPadding = errors.New("invalid key padding")
	// ErrValueOutOfRange is returned when a field does not fit its encoded width.
	ErrValueOutOfRange = errors.New("key field out of range")
)
