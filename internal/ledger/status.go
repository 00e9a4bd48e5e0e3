package ledger

import (
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"meshlicense/internal/catalog"
)

// deviceStatus holds the counters of one device type of a plug-in. Capacity
// is rebuilt from activations; only the usage counters are persisted.
type deviceStatus struct {
	capacity int
	// unbounded counts contributions without a things parameter; any such
	// contribution lifts the limit.
	unbounded int
	used      int
	// globalUsed is drawn from the global pool rather than this status.
	globalUsed int
	// globalGrants counts contributions that allow drawing from the pool.
	globalGrants int
	params       map[string]int
	contributors map[string]struct{}
	dirty        bool
}

func newDeviceStatus() *deviceStatus {
	return &deviceStatus{params: make(map[string]int), contributors: make(map[string]struct{})}
}

func (d *deviceStatus) effectiveCapacity() int {
	if d.unbounded > 0 {
		return Unbounded
	}
	return d.capacity
}

func (d *deviceStatus) licensed() bool {
	return len(d.contributors) > 0
}

func (d *deviceStatus) state() State {
	switch {
	case !d.licensed():
		if d.used > 0 || d.globalUsed > 0 {
			return StateExpired
		}
		return StateUnlicensed
	case d.unbounded > 0 || d.used < d.capacity:
		return StateGranted
	default:
		return StateExhausted
	}
}

// pluginStatus groups the device statuses of a plug-in and the activations
// still awaiting authority validation for it.
type pluginStatus struct {
	devices map[string]*deviceStatus
	pending map[string][]catalog.PluginLicense
}

func newPluginStatus() *pluginStatus {
	return &pluginStatus{
		devices: make(map[string]*deviceStatus),
		pending: make(map[string][]catalog.PluginLicense),
	}
}

func (p *pluginStatus) device(deviceType string) *deviceStatus {
	d, ok := p.devices[deviceType]
	if !ok {
		d = newDeviceStatus()
		p.devices[deviceType] = d
	}
	return d
}

// lookup returns the status serving deviceType, falling back to the wildcard.
func (p *pluginStatus) lookup(deviceType string) *deviceStatus {
	if d, ok := p.devices[deviceType]; ok && d.licensed() {
		return d
	}
	if d, ok := p.devices[AnyDeviceType]; ok && d.licensed() {
		return d
	}
	return nil
}

// globalPool is fed by activated licenses bound to no plug-in.
type globalPool struct {
	capacity     int
	unbounded    int
	used         int
	contributors map[string]struct{}
}

func (g *globalPool) remaining(count int) bool {
	if len(g.contributors) == 0 {
		return false
	}
	return g.unbounded > 0 || g.used+count <= g.capacity
}

func (g *globalPool) effectiveCapacity() int {
	if g.unbounded > 0 {
		return Unbounded
	}
	return g.capacity
}

func (l *Ledger) plugin(id uuid.UUID) *pluginStatus {
	p, ok := l.plugins[id]
	if !ok {
		p = newPluginStatus()
		l.plugins[id] = p
	}
	return p
}

func deviceTypes(binding catalog.PluginLicense) []string {
	if len(binding.DeviceTypes) == 0 {
		return []string{AnyDeviceType}
	}
	return binding.DeviceTypes
}

// fold adds a live activation to the ledger. Plug-in contributions start out
// pending; licenses bound to no plug-in feed the global pool directly.
func (l *Ledger) fold(a *ActivatedLicense) {
	if len(a.License.Plugins) == 0 {
		things, bounded := a.Parameters[catalog.ThingsParameter]
		if bounded {
			l.pool.capacity += things
		} else {
			l.pool.unbounded++
		}
		l.pool.contributors[a.ID()] = struct{}{}
		return
	}
	for _, binding := range a.License.Plugins {
		p := l.plugin(binding.PluginID)
		p.pending[a.ID()] = append(p.pending[a.ID()], binding)
	}
}

// trust counts a pending contribution against capacity.
func (l *Ledger) trust(p *pluginStatus, a *ActivatedLicense, binding catalog.PluginLicense) {
	things, bounded := a.Parameters[catalog.ThingsParameter]
	for _, dt := range deviceTypes(binding) {
		d := p.device(dt)
		if _, ok := d.contributors[a.ID()]; ok {
			continue
		}
		if bounded {
			d.capacity += things
		} else {
			d.unbounded++
		}
		if binding.AllowGlobalPool {
			d.globalGrants++
		}
		for name, v := range a.Parameters {
			d.params[name] += v
		}
		d.contributors[a.ID()] = struct{}{}
	}
}

// unfold removes every contribution of a from the ledger. Usage above the
// reduced capacity is reported, never truncated.
func (l *Ledger) unfold(a *ActivatedLicense) {
	id := a.ID()
	if _, ok := l.pool.contributors[id]; ok {
		delete(l.pool.contributors, id)
		if things, bounded := a.Parameters[catalog.ThingsParameter]; bounded {
			l.pool.capacity -= things
		} else {
			l.pool.unbounded--
		}
		if limit := l.pool.effectiveCapacity(); limit != Unbounded && l.pool.used > limit {
			l.logger.Error("global pool usage exceeds capacity after license removal",
				slog.String("license_id", a.License.ID),
				slog.Int("used", l.pool.used),
				slog.Int("capacity", limit))
		}
	}

	things, bounded := a.Parameters[catalog.ThingsParameter]
	for _, binding := range a.License.Plugins {
		p, ok := l.plugins[binding.PluginID]
		if !ok {
			continue
		}
		delete(p.pending, id)
		for _, dt := range deviceTypes(binding) {
			d, ok := p.devices[dt]
			if !ok {
				continue
			}
			if _, ok := d.contributors[id]; !ok {
				continue
			}
			delete(d.contributors, id)
			if bounded {
				d.capacity -= things
			} else {
				d.unbounded--
			}
			for name, v := range a.Parameters {
				d.params[name] -= v
				if d.params[name] == 0 {
					delete(d.params, name)
				}
			}
			if binding.AllowGlobalPool {
				d.globalGrants--
				if d.globalGrants == 0 && d.globalUsed > 0 {
					l.logger.Error("global pool permission revoked while in use",
						slog.String("plugin_id", binding.PluginID.String()),
						slog.String("device_type", dt),
						slog.Int("global_used", d.globalUsed))
				}
			}
			if limit := d.effectiveCapacity(); limit != Unbounded && d.used > limit {
				l.logger.Error("usage exceeds capacity after license removal",
					slog.String("plugin_id", binding.PluginID.String()),
					slog.String("device_type", dt),
					slog.String("license_id", a.License.ID),
					slog.Int("used", d.used),
					slog.Int("capacity", limit))
			}
		}
	}
}

// resolvePending trusts the pending activations of p whose licenses carry a
// signature from every required authority.
func (l *Ledger) resolvePending(p *pluginStatus, requiredAuthorities []string) int {
	if len(p.pending) == 0 {
		return 0
	}
	resolved := 0
	for id, bindings := range p.pending {
		a, ok := l.activations[id]
		if !ok || a.Removed {
			delete(p.pending, id)
			continue
		}
		if !a.License.SignedBy(requiredAuthorities) {
			continue
		}
		delete(p.pending, id)
		for _, binding := range bindings {
			l.trust(p, a, binding)
		}
		resolved++
	}
	return resolved
}

func (p *pluginStatus) snapshot(id uuid.UUID) PluginStatus {
	out := PluginStatus{PluginID: id, Pending: len(p.pending)}
	types := make([]string, 0, len(p.devices))
	for dt := range p.devices {
		types = append(types, dt)
	}
	sort.Strings(types)
	for _, dt := range types {
		d := p.devices[dt]
		out.Devices = append(out.Devices, DeviceStatus{
			DeviceType:  dt,
			State:       d.state(),
			Capacity:    d.effectiveCapacity(),
			Used:        d.used,
			GlobalUsed:  d.globalUsed,
			AllowGlobal: d.globalGrants > 0,
			Parameters:  cloneParams(d.params),
		})
	}
	return out
}
