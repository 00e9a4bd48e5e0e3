package ledger

import (
	"time"

	"github.com/google/uuid"

	"meshlicense/internal/catalog"
	"meshlicense/internal/store"
)

const (
	// AnyDeviceType selects the wildcard status of a plug-in.
	AnyDeviceType = ""
	// EvalKeyHash is the key hash of evaluation-period activations.
	EvalKeyHash = "eval"
	// Unbounded is the capacity reported for statuses without a limit.
	Unbounded = -1
)

// ActivatedLicense is a license applied on this node.
type ActivatedLicense struct {
	License *catalog.License
	KeyHash string
	// Expiration is the earlier of the key (or evaluation period) and
	// license expirations.
	Expiration time.Time
	// KeyExpiration is the end of the key or evaluation period, zero when
	// the key does not expire on its own.
	KeyExpiration time.Time
	// Parameters are the declared values plus key-embedded deltas.
	Parameters  map[string]int
	Removed     bool
	ActivatedAt time.Time
}

// ID identifies the activation by license id and key hash.
func (a *ActivatedLicense) ID() string {
	return store.ActivationID(a.License.ID, a.KeyHash)
}

// Evaluation reports whether the activation came from an evaluation period.
func (a *ActivatedLicense) Evaluation() bool {
	return a.KeyHash == EvalKeyHash
}

// ended reports whether an evaluation period was cut short by removal.
func (a *ActivatedLicense) ended() bool {
	return a.Evaluation() && a.KeyExpiration.Before(a.ActivatedAt.Add(a.License.EvaluationPeriod()))
}

func (a *ActivatedLicense) clone() ActivatedLicense {
	c := *a
	c.License = a.License.Clone()
	c.Parameters = cloneParams(a.Parameters)
	return c
}

func (a *ActivatedLicense) record() store.ActivationRecord {
	return store.ActivationRecord{
		ID:             a.ID(),
		LicenseID:      a.License.ID,
		LicenseVersion: a.License.Version,
		KeyHash:        a.KeyHash,
		Expiration:     a.Expiration,
		KeyExpiration:  a.KeyExpiration,
		Parameters:     cloneParams(a.Parameters),
		Removed:        a.Removed,
		CreatedAt:      a.ActivatedAt,
	}
}

// effectiveExpiration is the earlier of keyExp, when set, and the license expiration.
func effectiveExpiration(keyExp time.Time, l *catalog.License) time.Time {
	if !keyExp.IsZero() && keyExp.Before(l.Expiration) {
		return keyExp
	}
	return l.Expiration
}

func cloneParams(p map[string]int) map[string]int {
	if p == nil {
		return nil
	}
	out := make(map[string]int, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// State is the entitlement state of a status.
type State string

const (
	StateUnlicensed State = "unlicensed"
	StateGranted    State = "granted"
	StateExhausted  State = "exhausted"
	StateExpired    State = "expired"
)

// DeviceStatus is a snapshot of one device type of a plug-in.
type DeviceStatus struct {
	DeviceType  string         `json:"device_type"`
	State       State          `json:"state"`
	Capacity    int            `json:"capacity"`
	Used        int            `json:"used"`
	GlobalUsed  int            `json:"global_used"`
	AllowGlobal bool           `json:"allow_global"`
	Parameters  map[string]int `json:"parameters,omitempty"`
}

// PluginStatus is a snapshot of a plug-in's entitlements.
type PluginStatus struct {
	PluginID uuid.UUID      `json:"plugin_id"`
	Devices  []DeviceStatus `json:"devices"`
	// Pending counts activations awaiting authority validation.
	Pending int `json:"pending"`
}

// PoolStatus is a snapshot of the global entitlement pool.
type PoolStatus struct {
	Capacity int `json:"capacity"`
	Used     int `json:"used"`
}
