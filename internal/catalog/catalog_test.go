package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
machines:
  - name: Compressor
    tasks:
      - name: Drain Water
        interval_hours: 40
      - name: Belt Inspection
        interval_hours: 200
  - name: CNC Machine
    tasks:
      - name: Lubricate
        interval_hours: 50
devices:
  - url: http://10.0.0.5/hours.xml
    machines:
      - name: Compressor
      - name: cnc machine
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"Compressor", "CNC Machine"}, c.MachineNames())
	assert.Empty(t, c.Warnings())

	require.Len(t, c.Devices, 1)
	dev := c.Devices[0]
	assert.Equal(t, "http://10.0.0.5/hours.xml", dev.Name, "name defaults to URL")
	require.NotNil(t, dev.Machines[0].Field)
	require.NotNil(t, dev.Machines[1].Field)
	assert.Equal(t, 0, *dev.Machines[0].Field)
	assert.Equal(t, 3, *dev.Machines[1].Field)
	assert.Equal(t, "CNC Machine", dev.Machines[1].Name, "device machine names resolve to the catalog key")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Machines, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveMachine(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"CNC Machine", "CNC Machine", true},
		{"cnc machine", "CNC Machine", true},
		{"Cnc   Machine", "CNC Machine", true},
		{"compressor", "Compressor", true},
		{"Lathe", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := c.ResolveMachine(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterval(t *testing.T) {
	c, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	iv, ok := c.Interval("compressor", "Drain Water")
	require.True(t, ok)
	assert.Equal(t, 40.0, iv)

	_, ok = c.Interval("Compressor", "drain water")
	assert.False(t, ok, "task lookup is exact")

	_, ok = c.Interval("Lathe", "Lubricate")
	assert.False(t, ok)
}

func TestValidationErrors(t *testing.T) {
	tests := map[string]string{
		"no machines": `machines: []`,
		"zero interval": `
machines:
  - name: Motor
    tasks:
      - name: Oil Change
        interval_hours: 0`,
		"duplicate machine": `
machines:
  - name: Motor
    tasks: [{name: Oil Change, interval_hours: 40}]
  - name: motor
    tasks: [{name: Oil Change, interval_hours: 40}]`,
		"duplicate task": `
machines:
  - name: Motor
    tasks:
      - {name: Oil Change, interval_hours: 40}
      - {name: Oil Change, interval_hours: 80}`,
		"unknown device machine": `
machines:
  - name: Motor
    tasks: [{name: Oil Change, interval_hours: 40}]
devices:
  - url: http://10.0.0.9/hours.xml
    machines: [{name: Lathe}]`,
		"third machine without field": `
machines:
  - name: A
    tasks: [{name: Oil, interval_hours: 1}]
  - name: B
    tasks: [{name: Oil, interval_hours: 1}]
  - name: C
    tasks: [{name: Oil, interval_hours: 1}]
devices:
  - url: http://10.0.0.9/hours.xml
    machines: [{name: A}, {name: B}, {name: C}]`,
		"bad url": `
machines:
  - name: Motor
    tasks: [{name: Oil Change, interval_hours: 40}]
devices:
  - url: not a url
    machines: [{name: Motor}]`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestNonCanonicalTaskWarns(t *testing.T) {
	c, err := New([]Machine{{
		Name:  "Motor",
		Tasks: []Task{{Name: "CNC Lube", IntervalHours: 10}},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, c.Warnings(), 1)
	assert.Contains(t, c.Warnings()[0], "CNC Lube")
}

func TestCanonical(t *testing.T) {
	tests := map[string]string{
		"lubricate":           "Lubricate",
		"oIL   cHANGE":        "Oil Change",
		"  drain water  ":     "Drain Water",
		"CNC MACHINE":         "Cnc Machine",
		"":                    "",
		"belt\tinspection":    "Belt Inspection",
		"ölwechsel maschine":  "Ölwechsel Maschine",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonical(in), "input %q", in)
	}
}
