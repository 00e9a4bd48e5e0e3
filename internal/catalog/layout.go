package catalog

import (
	"fmt"

	"meshlicense/internal/keycodec"
)

// ParameterSlot maps one parameter byte of an activation key to the license
// parameter it adjusts.
type ParameterSlot struct {
	License  int
	Name     string
	Declared uint8
}

// ParameterLayout concatenates the parameter lists of licenses in the given
// order. Slot i of the result corresponds to parameter byte i of a key signed
// over exactly these licenses.
func ParameterLayout(licenses []*License) ([]ParameterSlot, error) {
	var slots []ParameterSlot
	for i, l := range licenses {
		for _, p := range l.Parameters {
			slots = append(slots, ParameterSlot{License: i, Name: p.Name, Declared: p.Value})
		}
	}
	if len(slots) > keycodec.ParameterSlots {
		return nil, fmt.Errorf("license combination declares %d parameters, at most %d fit in a key",
			len(slots), keycodec.ParameterSlots)
	}
	return slots, nil
}

// ActivatedParameters adds the key-embedded deltas to the declared values and
// returns the summed parameters of each license, indexed like licenses.
func ActivatedParameters(licenses []*License, deltas [keycodec.ParameterSlots]byte) ([]map[string]int, error) {
	slots, err := ParameterLayout(licenses)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]int, len(licenses))
	for i := range out {
		out[i] = make(map[string]int)
	}
	for i, s := range slots {
		out[s.License][s.Name] += int(s.Declared) + int(deltas[i])
	}
	return out, nil
}
