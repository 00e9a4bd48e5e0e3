// Package catalog holds the license documents installed on a node.
//
// Documents are signed JSON objects. Each detached signature covers the
// canonical JSON of the document with its signatures removed, so a document
// can carry several signatures without any of them covering the others. A
// document whose signatures do not verify against the trusted keys never
// enters the catalog.
//
// When a document with a higher version and the same license id is loaded,
// it replaces the installed one and the change is reported to the caller so
// activated entries can be migrated in place.
package catalog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"meshlicense/internal/signature"
)

// Well-known parameter names.
const (
	// ThingsParameter is the number of device instances a license entitles.
	ThingsParameter = "cdeThings"
	// PinnedParameter pins an activation to the hardware it was issued for.
	PinnedParameter = "cdePinned"
)

// MaxParameters is the most named parameters the activation key can carry,
// across all licenses signed into one key.
const MaxParameters = 9

// Parameter is a named byte-valued license parameter.
type Parameter struct {
	Name  string `json:"name" validate:"required,max=64"`
	Value uint8  `json:"value"`
}

// PluginLicense binds a license to a plug-in.
type PluginLicense struct {
	PluginID uuid.UUID `json:"plugin_id" validate:"required"`
	// DeviceTypes restricts the entitlement; empty means any device type.
	DeviceTypes     []string `json:"device_types,omitempty"`
	AllowGlobalPool bool     `json:"allow_global_pool,omitempty"`
}

// License is a signed license document.
type License struct {
	ID                string          `json:"id" validate:"required,uuid"`
	Description       string          `json:"description"`
	Version           string          `json:"version" validate:"required,version"`
	MinRuntimeVersion string          `json:"min_runtime_version,omitempty" validate:"omitempty,version"`
	MaxRuntimeVersion string          `json:"max_runtime_version,omitempty" validate:"omitempty,version"`
	SKU               uint16          `json:"sku"`
	Expiration        time.Time       `json:"expiration" validate:"required"`
	Parameters        []Parameter     `json:"parameters,omitempty" validate:"max=9,dive"`
	Plugins           []PluginLicense `json:"plugins,omitempty" validate:"dive"`
	// SigningKeyFragment is the concealed additional signing key, base64 encoded.
	SigningKeyFragment string   `json:"signing_key_fragment,omitempty" validate:"omitempty,base64"`
	EvaluationDays     int      `json:"evaluation_days,omitempty" validate:"gte=0,lte=3650"`
	Signatures         []string `json:"signatures,omitempty"`

	// Signers lists the trusted key ids whose signatures verified.
	Signers []string `json:"-"`
}

// UUID returns the parsed license id. Documents are validated before they
// enter the catalog, so an unparsable id yields uuid.Nil.
func (l *License) UUID() uuid.UUID {
	id, err := uuid.Parse(l.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// CanonicalID is the ordinal sort key used for canonical license ordering.
func (l *License) CanonicalID() string {
	return l.UUID().String()
}

// ParsedVersion returns the document version.
func (l *License) ParsedVersion() (*version.Version, error) {
	return version.NewVersion(l.Version)
}

// Compatible reports whether engine lies within the declared runtime bounds.
func (l *License) Compatible(engine *version.Version) bool {
	if engine == nil {
		return true
	}
	if l.MinRuntimeVersion != "" {
		if min, err := version.NewVersion(l.MinRuntimeVersion); err == nil && engine.LessThan(min) {
			return false
		}
	}
	if l.MaxRuntimeVersion != "" {
		if max, err := version.NewVersion(l.MaxRuntimeVersion); err == nil && engine.GreaterThan(max) {
			return false
		}
	}
	return true
}

// SigningKey returns the revealed additional signing key fragment.
func (l *License) SigningKey() []byte {
	if l.SigningKeyFragment == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(l.SigningKeyFragment)
	if err != nil {
		return nil
	}
	return signature.Reveal(b)
}

// SignatureInput returns the view of the license used by the signature engine.
func (l *License) SignatureInput() signature.License {
	return signature.License{ID: l.UUID(), SigningKey: l.SigningKey()}
}

// Parameter returns the declared value of the named parameter.
func (l *License) Parameter(name string) (uint8, bool) {
	for _, p := range l.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// EvaluationPeriod returns the evaluation period, zero when the license has none.
func (l *License) EvaluationPeriod() time.Duration {
	return time.Duration(l.EvaluationDays) * 24 * time.Hour
}

// SignedBy reports whether every id in authorities verified a signature of the document.
func (l *License) SignedBy(authorities []string) bool {
	for _, a := range authorities {
		found := false
		for _, s := range l.Signers {
			if s == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of l.
func (l *License) Clone() *License {
	c := *l
	c.Parameters = append([]Parameter(nil), l.Parameters...)
	c.Plugins = make([]PluginLicense, len(l.Plugins))
	for i, p := range l.Plugins {
		p.DeviceTypes = append([]string(nil), p.DeviceTypes...)
		c.Plugins[i] = p
	}
	c.Signatures = append([]string(nil), l.Signatures...)
	c.Signers = append([]string(nil), l.Signers...)
	return &c
}

// CanonicalJSON returns the bytes covered by document signatures.
func CanonicalJSON(l *License) ([]byte, error) {
	c := *l
	c.Signatures = nil
	c.Signers = nil
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical license: %w", err)
	}
	return data, nil
}
