package fusion

import "math"

// fingerprint identifies an object for change detection: identity, label
// and position quantised to 6 decimals (lat, lon) and 1 decimal (altitude).
type fingerprint struct {
	id, label string
	lat, lon  int64
	alt       int64
}

func quantize(v float64, scale float64) int64 {
	return int64(math.Round(v * scale))
}

func fingerprintOf(o GeoObject) fingerprint {
	var lat, lon, alt float64
	if o.HasPosition {
		lat, lon = o.Lat, o.Lon
	}
	if o.HasAltitude {
		alt = o.Altitude
	}
	return fingerprint{
		id:    o.ID,
		label: o.Label,
		lat:   quantize(lat, 1e6),
		lon:   quantize(lon, 1e6),
		alt:   quantize(alt, 1e1),
	}
}

func fingerprints(s Snapshot) map[fingerprint]struct{} {
	set := make(map[fingerprint]struct{}, len(s))
	for _, o := range s {
		set[fingerprintOf(o)] = struct{}{}
	}
	return set
}

// Changed reports whether the two snapshots differ as sets of
// fingerprints. Order, timestamps and relative depth are ignored.
func Changed(prev, curr Snapshot) bool {
	a, b := fingerprints(prev), fingerprints(curr)
	if len(a) != len(b) {
		return true
	}
	for fp := range b {
		if _, ok := a[fp]; !ok {
			return true
		}
	}
	return false
}

// Gate remembers the last emitted snapshot. It is owned by the cycle loop
// and not safe for concurrent use.
type Gate struct {
	prev Snapshot
}

// Accept reports whether curr differs from the last accepted snapshot and,
// if so, makes curr the new reference.
func (g *Gate) Accept(curr Snapshot) bool {
	if !Changed(g.prev, curr) {
		return false
	}
	g.prev = curr
	return true
}
