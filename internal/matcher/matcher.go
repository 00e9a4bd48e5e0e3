// Package matcher recovers the set of licenses an activation key was signed
// over.
//
// Keys carry only a license count, so the verifier signs candidate sets of
// installed licenses until one reproduces the embedded signature. Issuers
// always sort licenses by id before signing, so only strictly increasing
// combinations are tried: C(n, k) signature computations for n installed
// licenses and a key over k of them. That cost is the price of a key short
// enough to type and is bounded in practice by the handful of licenses a node
// carries. Failed searches are remembered per catalog state so a repeated bad
// key does not repeat the search.
package matcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"meshlicense/internal/catalog"
	licenseErrors "meshlicense/internal/errors"
	"meshlicense/internal/keycodec"
	"meshlicense/internal/signature"
)

// Activation is one license unlocked by a key.
type Activation struct {
	License *catalog.License
	// Parameters holds the declared values plus the key-embedded deltas.
	Parameters map[string]int
	// Expiration is the earlier of the key and license expirations.
	Expiration time.Time
}

// MatchResult is the outcome of a successful validation.
type MatchResult struct {
	KeyHash string
	Key     keycodec.ActivationKey
	// KeyExpiration is zero for keys that do not expire.
	KeyExpiration time.Time
	Activations   []Activation
}

// Matcher validates activation keys against installed licenses. It is safe
// for concurrent use.
type Matcher struct {
	secret   []byte
	negative *cache.Cache
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNegativeCacheTTL sets how long failed searches are remembered. Zero
// disables the cache.
func WithNegativeCacheTTL(ttl time.Duration) Option {
	return func(m *Matcher) {
		if ttl <= 0 {
			m.negative = nil
			return
		}
		m.negative = cache.New(ttl, 2*ttl)
	}
}

// DefaultNegativeCacheTTL is how long a failed search is remembered by default.
const DefaultNegativeCacheTTL = 10 * time.Minute

// New creates a matcher verifying with the revealed authority secret.
func New(secret []byte, opts ...Option) *Matcher {
	m := &Matcher{
		secret:   append([]byte(nil), secret...),
		negative: cache.New(DefaultNegativeCacheTTL, 2*DefaultNegativeCacheTTL),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "license_matcher"))
	return m
}

// HashKey identifies an activation key in logs and the ledger without
// exposing it. Equivalent spellings of a key hash the same.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(keycodec.Normalize(key)))
	return hex.EncodeToString(sum[:])
}

// ValidateActivationKey decodes key and searches installed for the license
// combination it was signed over for deviceID.
func (m *Matcher) ValidateActivationKey(key string, deviceID uuid.UUID, installed []*catalog.License) (*MatchResult, error) {
	keyHash := HashKey(key)
	reject := func(err error) (*MatchResult, error) {
		return nil, licenseErrors.NewKeyError(keyHash, err)
	}

	decoded, err := keycodec.DecodeActivationKey(key)
	if err != nil {
		return reject(fmt.Errorf("%w: %v", licenseErrors.ErrInvalidKeyFormat, err))
	}
	if decoded.Flags.Has(keycodec.FlagOnlineActivation) {
		return reject(licenseErrors.ErrOnlineActivationUnsupported)
	}
	k := int(decoded.LicenseCount)
	if k == 0 || k > len(installed) {
		return reject(fmt.Errorf("%w: key names %d licenses, %d installed",
			licenseErrors.ErrInvalidLicenseCount, k, len(installed)))
	}
	keyExpiration, expires := decoded.Expiration()
	if expires && !m.now().Before(keyExpiration) {
		return reject(fmt.Errorf("%w: on %s", licenseErrors.ErrKeyExpired, keyExpiration.Format(time.DateOnly)))
	}

	candidates := append([]*catalog.License(nil), installed...)
	catalog.SortCanonical(candidates)

	cacheKey := negativeCacheKey(keyHash, deviceID, candidates)
	if m.negative != nil {
		if _, found := m.negative.Get(cacheKey); found {
			return reject(licenseErrors.ErrNoMatchingLicense)
		}
	}

	matched, evaluated := m.search(decoded, deviceID, candidates)
	if matched == nil {
		if m.negative != nil {
			m.negative.SetDefault(cacheKey, struct{}{})
		}
		m.logger.Debug("no license combination matched",
			slog.String("key_hash", keyHash),
			slog.Int("installed", len(candidates)),
			slog.Int("license_count", k),
			slog.Int("evaluated", evaluated))
		return reject(licenseErrors.ErrNoMatchingLicense)
	}

	params, err := catalog.ActivatedParameters(matched, decoded.Parameters)
	if err != nil {
		return reject(fmt.Errorf("%w: %v", licenseErrors.ErrNoMatchingLicense, err))
	}

	result := &MatchResult{KeyHash: keyHash, Key: decoded, Activations: make([]Activation, len(matched))}
	if expires {
		result.KeyExpiration = keyExpiration
	}
	for i, l := range matched {
		exp := l.Expiration
		if expires && keyExpiration.Before(exp) {
			exp = keyExpiration
		}
		result.Activations[i] = Activation{License: l, Parameters: params[i], Expiration: exp}
	}

	m.logger.Debug("activation key matched",
		slog.String("key_hash", keyHash),
		slog.Int("licenses", len(matched)),
		slog.Int("evaluated", evaluated))
	return result, nil
}

// search walks strictly increasing index combinations of size LicenseCount
// over candidates, which are already in canonical order.
func (m *Matcher) search(key keycodec.ActivationKey, deviceID uuid.UUID, candidates []*catalog.License) ([]*catalog.License, int) {
	k := int(key.LicenseCount)
	n := len(candidates)
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}

	chosen := make([]*catalog.License, k)
	sigLicenses := make([]signature.License, k)
	evaluated := 0
	for {
		for i, j := range idx {
			chosen[i] = candidates[j]
			sigLicenses[i] = candidates[j].SignatureInput()
		}
		if _, err := catalog.ParameterLayout(chosen); err == nil {
			evaluated++
			req := signature.Request{
				DeviceID:       deviceID,
				ExpirationDays: key.ExpirationDays,
				Flags:          key.Flags,
				Licenses:       sigLicenses,
				Parameters:     key.Parameters,
			}
			if signature.Verify(m.secret, req, key.Signature) {
				return append([]*catalog.License(nil), chosen...), evaluated
			}
		}
		if !nextCombination(idx, n) {
			return nil, evaluated
		}
	}
}

// nextCombination advances idx to the next strictly increasing combination
// of indices below n, reporting false after the last one.
func nextCombination(idx []int, n int) bool {
	k := len(idx)
	i := k - 1
	for i >= 0 && idx[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	idx[i]++
	for j := i + 1; j < k; j++ {
		idx[j] = idx[j-1] + 1
	}
	return true
}

func negativeCacheKey(keyHash string, deviceID uuid.UUID, candidates []*catalog.License) string {
	h := sha256.New()
	h.Write([]byte(keyHash))
	h.Write(deviceID[:])
	for _, l := range candidates {
		h.Write([]byte(l.CanonicalID()))
		h.Write([]byte(l.Version))
		h.Write([]byte(l.SigningKeyFragment))
	}
	return hex.EncodeToString(h.Sum(nil))
}
