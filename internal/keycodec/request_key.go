package keycodec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// KeyLength is the decoded size of both key kinds.
	KeyLength = 23
	// KeySymbols is the number of alphabet symbols in a key, separators excluded.
	KeySymbols = 36
	// Padding is the fixed value of the last byte of every key.
	Padding = 15

	// TickDuration is the resolution of request key creation times.
	TickDuration = 10 * time.Minute

	maxTicks = 1<<24 - 1
)

// Epoch is the origin of request key creation times and activation key expirations.
var Epoch = time.Date(2016, time.January, 1, 0, 0, 0, 0, time.UTC)

// RequestKey is the decoded content of an Activation Request Key.
type RequestKey struct {
	CreatedAt time.Time
	SKU       uint16
	DeviceID  uuid.UUID
}

type requestField int

const (
	fieldTime requestField = iota
	fieldSKU
	fieldIdentity
)

type requestSlot struct {
	field requestField
	index int
}

// requestOrder is the order in which raw values are fed through the checksum chain.
var requestOrder = func() []requestSlot {
	slots := []requestSlot{
		{fieldTime, 0}, {fieldIdentity, 0},
		{fieldTime, 1}, {fieldIdentity, 1},
		{fieldTime, 2}, {fieldIdentity, 2},
		{fieldSKU, 0}, {fieldIdentity, 3},
		{fieldSKU, 1}, {fieldIdentity, 4},
	}
	for i := 5; i < 16; i++ {
		slots = append(slots, requestSlot{fieldIdentity, i})
	}
	return slots
}()

// EncodeActivationRequestKey builds a request key for deviceID and skuID stamped with the current time.
func EncodeActivationRequestKey(deviceID uuid.UUID, skuID uint16) (string, error) {
	return EncodeActivationRequestKeyAt(deviceID, skuID, time.Now())
}

// EncodeActivationRequestKeyAt builds a request key stamped with createdAt.
func EncodeActivationRequestKeyAt(deviceID uuid.UUID, skuID uint16, createdAt time.Time) (string, error) {
	elapsed := createdAt.Sub(Epoch)
	if elapsed < 0 {
		return "", fmt.Errorf("%w: creation time %s precedes epoch", ErrValueOutOfRange, createdAt.Format(time.RFC3339))
	}
	ticks := int64(elapsed / TickDuration)
	if ticks > maxTicks {
		return "", fmt.Errorf("%w: creation time %s too far in the future", ErrValueOutOfRange, createdAt.Format(time.RFC3339))
	}

	timeBytes := [3]byte{byte(ticks), byte(ticks >> 8), byte(ticks >> 16)}
	skuBytes := [2]byte{byte(skuID), byte(skuID >> 8)}

	buf := make([]byte, 0, KeyLength)
	var checksum byte
	for _, slot := range requestOrder {
		var v byte
		switch slot.field {
		case fieldTime:
			v = timeBytes[slot.index]
		case fieldSKU:
			v = skuBytes[slot.index]
		default:
			v = deviceID[slot.index]
		}
		encoded := v ^ checksum
		buf = append(buf, encoded)
		checksum += encoded
	}
	buf = append(buf, checksum, Padding)

	return EncodeBase32(buf), nil
}

// DecodeActivationRequestKey parses and verifies a request key. Separators are optional.
func DecodeActivationRequestKey(s string) (RequestKey, error) {
	buf, err := decodeKeyBuffer(s)
	if err != nil {
		return RequestKey{}, err
	}

	var (
		timeBytes [3]byte
		skuBytes  [2]byte
		id        uuid.UUID
		checksum  byte
	)
	for i, slot := range requestOrder {
		encoded := buf[i]
		v := encoded ^ checksum
		checksum += encoded
		switch slot.field {
		case fieldTime:
			timeBytes[slot.index] = v
		case fieldSKU:
			skuBytes[slot.index] = v
		default:
			id[slot.index] = v
		}
	}
	if buf[len(requestOrder)] != checksum {
		return RequestKey{}, ErrChecksumMismatch
	}

	ticks := int64(timeBytes[0]) | int64(timeBytes[1])<<8 | int64(timeBytes[2])<<16
	return RequestKey{
		CreatedAt: Epoch.Add(time.Duration(ticks) * TickDuration),
		SKU:       uint16(skuBytes[0]) | uint16(skuBytes[1])<<8,
		DeviceID:  id,
	}, nil
}

// decodeKeyBuffer normalizes s and returns its 23-byte buffer after checking the padding byte.
func decodeKeyBuffer(s string) ([]byte, error) {
	normalized := Normalize(s)
	if len(normalized) != KeySymbols {
		return nil, fmt.Errorf("%w: %d symbols, want %d", ErrInvalidLength, len(normalized), KeySymbols)
	}
	buf, err := DecodeBase32(normalized)
	if err != nil {
		return nil, err
	}
	if len(buf) != KeyLength {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidLength, len(buf), KeyLength)
	}
	if buf[KeyLength-1] != Padding {
		return nil, ErrInvalidPadding
	}
	return buf, nil
}
