package charging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/cpsim/core/model"
)

const catalogYAML = `
profiles:
  - name: wallbox
    type: AC_3P
    phases: 3
    voltage_v: 230
    max_power_kw: 11
  - name: hpc
    type: DC
    max_power_kw: 350
    battery_capacity_kwh: 77
rated_power_kw:
  DC: 350
curves:
  dc:
    - {soc: 0, fraction: 0.6}
    - {soc: 60, fraction: 1}
    - {soc: 100, fraction: 0.2}
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chargers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, cat.Profiles, 2)

	p, ok := cat.Profile("hpc")
	require.True(t, ok)
	sess := &model.Session{ChargerType: model.ChargerAC1P, BatteryCapacityKWh: 50}
	p.Apply(sess)
	assert.Equal(t, model.ChargerDC, sess.ChargerType)
	assert.Equal(t, 77.0, sess.BatteryCapacityKWh)

	sim, err := NewSimulator(cat.Config(), nil, nil)
	require.NoError(t, err)
	sess.SoC = 60
	assert.InDelta(t, 350.0, sim.NominalPowerKW(sess), 1e-9)

	_, ok = cat.Profile("missing")
	assert.False(t, ok)
}

func TestDecodeCatalogErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"no name":   "profiles:\n  - type: DC\n",
		"duplicate": "profiles:\n  - {name: a, type: DC}\n  - {name: a, type: DC}\n",
		"bad type":  "profiles:\n  - {name: a, type: XX}\n",
		"syntax":    "profiles: [",
	} {
		_, err := DecodeCatalog(strings.NewReader(doc))
		assert.Error(t, err, name)
	}

	cat, err := DecodeCatalog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, cat.Profiles)
}
