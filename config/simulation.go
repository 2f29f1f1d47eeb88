package config

import (
	"fmt"

	"github.com/kilianp07/cpsim/core/charging"
	"github.com/kilianp07/cpsim/core/model"
)

// IdleFeeConfig configures the default post-charge parking simulation.
type IdleFeeConfig struct {
	Enabled         bool `json:"enabled"`
	ChargingMinutes int  `json:"charging_minutes"`
	IdleMinutes     int  `json:"idle_minutes"`
	Manual          bool `json:"manual"`
}

// SimulationConfig holds the vehicle and charger defaults applied to new
// sessions and the simulator ratings.
type SimulationConfig struct {
	ChargerType        string             `json:"charger_type"`
	BatteryCapacityKWh float64            `json:"battery_capacity_kwh"`
	SoC                float64            `json:"soc"`
	TargetSoC          float64            `json:"target_soc"`
	IDTag              string             `json:"id_tag"`
	RatedPowerKW       map[string]float64 `json:"rated_power_kw"`
	// CatalogPath points to a YAML charger catalog. Empty disables profiles.
	CatalogPath string        `json:"catalog_path"`
	IdleFee     IdleFeeConfig `json:"idle_fee"`
}

// SetDefaults fills unset fields.
func (c *SimulationConfig) SetDefaults() {
	if c.ChargerType == "" {
		c.ChargerType = string(model.ChargerAC3P)
	}
	if c.BatteryCapacityKWh <= 0 {
		c.BatteryCapacityKWh = 60
	}
	if c.TargetSoC <= 0 {
		c.TargetSoC = 80
	}
	if c.IDTag == "" {
		c.IDTag = "CPSIM0001"
	}
}

// Validate checks ranges and charger types.
func (c SimulationConfig) Validate() error {
	if err := checkChargerType(c.ChargerType); err != nil {
		return err
	}
	if c.SoC < 0 || c.SoC > 100 {
		return fmt.Errorf("soc must be within [0,100]")
	}
	if c.TargetSoC > 100 {
		return fmt.Errorf("target_soc must be within [0,100]")
	}
	for k, v := range c.RatedPowerKW {
		if err := checkChargerType(k); err != nil {
			return fmt.Errorf("rated_power_kw: %w", err)
		}
		if v <= 0 {
			return fmt.Errorf("rated_power_kw.%s must be positive", k)
		}
	}
	if c.IdleFee.Enabled && !c.IdleFee.Manual && c.IdleFee.IdleMinutes <= 0 {
		return fmt.Errorf("idle_fee.idle_minutes is required unless manual")
	}
	return nil
}

func checkChargerType(t string) error {
	switch model.ChargerType(t) {
	case model.ChargerAC1P, model.ChargerAC3P, model.ChargerDC:
		return nil
	}
	return fmt.Errorf("unknown charger type %q", t)
}

// Simulator builds the simulator configuration. Ratings from the catalog, when
// one is given, are overridden by the configured ones.
func (c SimulationConfig) Simulator(cat *charging.Catalog) charging.Config {
	var cfg charging.Config
	if cat != nil {
		cfg = cat.Config()
	}
	if len(c.RatedPowerKW) > 0 {
		rated := make(map[model.ChargerType]float64, len(cfg.RatedPowerKW)+len(c.RatedPowerKW))
		for k, v := range cfg.RatedPowerKW {
			rated[k] = v
		}
		for k, v := range c.RatedPowerKW {
			rated[model.ChargerType(k)] = v
		}
		cfg.RatedPowerKW = rated
	}
	return cfg
}
