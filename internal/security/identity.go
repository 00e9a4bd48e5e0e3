package security

import (
	"context"

	"github.com/google/uuid"
)

// HardwareSource supplies the hardware identifier of the machine.
type HardwareSource interface {
	HardwareID(ctx context.Context) (string, error)
}

// DerivePinnedIdentity hashes the installation id and a hardware identifier
// into a node identity. The same installation on other hardware derives a
// different identity.
func DerivePinnedIdentity(installation uuid.UUID, hardwareID string) uuid.UUID {
	return uuid.NewSHA1(installation, []byte(hardwareID))
}

// Identity is the resolved identity of a node.
type Identity struct {
	// DeviceID is the identity activation keys are bound to.
	DeviceID uuid.UUID
	// Pinned is derived from the hardware the node runs on right now.
	Pinned uuid.UUID
	// HardwareID is empty when no hardware identifier could be read.
	HardwareID string
}

// ResolveIdentity determines the node identity. A configured device id is
// used as is; otherwise the identity is derived from the hardware, which
// makes it equal to the pinned identity on the machine it was derived on.
// Without a readable hardware identifier the pinned identity stays nil and
// pinned licenses never grant.
func ResolveIdentity(ctx context.Context, src HardwareSource, installation, configured uuid.UUID) (Identity, error) {
	hwid, err := src.HardwareID(ctx)
	if err != nil {
		if configured == uuid.Nil {
			return Identity{}, err
		}
		return Identity{DeviceID: configured}, nil
	}
	id := Identity{HardwareID: hwid, Pinned: DerivePinnedIdentity(installation, hwid)}
	id.DeviceID = configured
	if configured == uuid.Nil {
		id.DeviceID = id.Pinned
	}
	return id, nil
}
