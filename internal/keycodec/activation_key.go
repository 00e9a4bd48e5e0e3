package keycodec

import (
	"fmt"
	"time"
)

// ParameterSlots is the number of parameter bytes carried by an activation key.
const ParameterSlots = 9

// SignatureLength is the number of signature bytes embedded in an activation key.
const SignatureLength = 8

// Flags modifies how an activation key is signed and verified.
type Flags uint8

const (
	// FlagVerifyExpiration binds the expiration field into the signature and enforces it.
	FlagVerifyExpiration Flags = 1 << 0
	// FlagOnlineActivation requests online activation, which verifiers reject.
	FlagOnlineActivation Flags = 1 << 1
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// ActivationKey is the decoded content of an Activation Key.
type ActivationKey struct {
	Signature      [SignatureLength]byte
	ExpirationDays uint16
	Flags          Flags
	Reserved       byte
	LicenseCount   uint8
	Parameters     [ParameterSlots]byte
}

// Expiration returns the expiration time of the key. Keys without
// FlagVerifyExpiration do not expire and report ok == false.
func (k ActivationKey) Expiration() (t time.Time, ok bool) {
	if !k.Flags.Has(FlagVerifyExpiration) {
		return time.Time{}, false
	}
	return DaysToTime(k.ExpirationDays), true
}

// EncodeActivationKey renders k as a 36-symbol key string.
func EncodeActivationKey(k ActivationKey) string {
	buf := make([]byte, 0, KeyLength)
	buf = append(buf, k.Signature[:]...)
	buf = append(buf, byte(k.ExpirationDays), byte(k.ExpirationDays>>8))
	buf = append(buf, byte(k.Flags), k.Reserved, k.LicenseCount)
	buf = append(buf, k.Parameters[:]...)
	buf = append(buf, Padding)
	return EncodeBase32(buf)
}

// DecodeActivationKey parses an activation key string. It only checks the
// layout; signature verification belongs to the matcher.
func DecodeActivationKey(s string) (ActivationKey, error) {
	buf, err := decodeKeyBuffer(s)
	if err != nil {
		return ActivationKey{}, err
	}

	var k ActivationKey
	copy(k.Signature[:], buf[0:8])
	k.ExpirationDays = uint16(buf[8]) | uint16(buf[9])<<8
	k.Flags = Flags(buf[10])
	k.Reserved = buf[11]
	k.LicenseCount = buf[12]
	copy(k.Parameters[:], buf[13:22])
	return k, nil
}

// DaysToTime converts a day count since Epoch to a UTC time.
func DaysToTime(days uint16) time.Time {
	return Epoch.AddDate(0, 0, int(days))
}

// TimeToDays converts t to whole days since Epoch, rounding down.
func TimeToDays(t time.Time) (uint16, error) {
	d := t.Sub(Epoch)
	if d < 0 {
		return 0, fmt.Errorf("%w: %s precedes epoch", ErrValueOutOfRange, t.Format(time.RFC3339))
	}
	days := int64(d / (24 * time.Hour))
	if days > 0xFFFF {
		return 0, fmt.Errorf("%w: %s beyond expiration range", ErrValueOutOfRange, t.Format(time.RFC3339))
	}
	return uint16(days), nil
}
