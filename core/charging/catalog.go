package charging

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/cpsim/core/model"
)

// Profile is a named charger preset.
type Profile struct {
	Name               string            `yaml:"name"`
	Type               model.ChargerType `yaml:"type"`
	Phases             int               `yaml:"phases"`
	VoltageV           float64           `yaml:"voltage_v"`
	MaxPowerKW         float64           `yaml:"max_power_kw"`
	MaxCurrentA        float64           `yaml:"max_current_a"`
	BatteryCapacityKWh float64           `yaml:"battery_capacity_kwh"`
}

// Apply copies the preset onto a session, leaving fields the preset does not
// set untouched.
func (p Profile) Apply(s *model.Session) {
	if p.Type != "" {
		s.ChargerType = p.Type
	}
	if p.Phases > 0 {
		s.Phases = p.Phases
	}
	if p.VoltageV > 0 {
		s.VoltageV = p.VoltageV
	}
	if p.MaxPowerKW > 0 {
		s.MaxPowerKW = p.MaxPowerKW
	}
	if p.MaxCurrentA > 0 {
		s.MaxCurrentA = p.MaxCurrentA
	}
	if p.BatteryCapacityKWh > 0 {
		s.BatteryCapacityKWh = p.BatteryCapacityKWh
	}
}

// Catalog groups charger presets with optional rating and curve overrides.
type Catalog struct {
	Profiles     []Profile                     `yaml:"profiles"`
	RatedPowerKW map[model.ChargerType]float64 `yaml:"rated_power_kw"`
	Curves       struct {
		DC []Point `yaml:"dc"`
		AC []Point `yaml:"ac"`
	} `yaml:"curves"`
}

// Profile looks up a preset by name.
func (c *Catalog) Profile(name string) (Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Config returns the simulator configuration described by the catalog.
func (c *Catalog) Config() Config {
	return Config{RatedPowerKW: c.RatedPowerKW, DCCurve: c.Curves.DC, ACCurve: c.Curves.AC}
}

// DecodeCatalog reads a YAML catalog and validates it.
func DecodeCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profile %q defined twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case model.ChargerAC1P, model.ChargerAC3P, model.ChargerDC:
		default:
			return nil, fmt.Errorf("profile %q: unknown charger type %q", p.Name, p.Type)
		}
	}
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeCatalog(f)
}
