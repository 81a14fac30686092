package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultFields maps a machine's position on a device to the field of the
// device's "|"-separated hours value that carries its runtime.
var defaultFields = []int{0, 3}

var validate = validator.New()

// Task is a maintenance action with its service interval in runtime hours.
type Task struct {
	Name          string  `yaml:"name" json:"name" validate:"required"`
	IntervalHours float64 `yaml:"interval_hours" json:"interval_hours" validate:"gt=0"`
}

// Machine is a catalog entry: a machine and its ordered task list.
type Machine struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Tasks []Task `yaml:"tasks" json:"tasks" validate:"required,min=1,dive"`
}

// DeviceMachine binds a machine to a field of its device's hours value.
type DeviceMachine struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Field *int   `yaml:"field,omitempty" json:"field" validate:"omitempty,gte=0"`
}

// Device is a networked hour meter reporting runtimes for one or more machines.
type Device struct {
	Name     string          `yaml:"name" json:"name"`
	URL      string          `yaml:"url" json:"url" validate:"required,url"`
	Machines []DeviceMachine `yaml:"machines" json:"machines" validate:"required,min=1,dive"`
}

// Catalog is the static machine → task → interval configuration. It is
// immutable once loaded.
type Catalog struct {
	Machines []Machine `yaml:"machines" json:"machines" validate:"required,min=1,dive"`
	Devices  []Device  `yaml:"devices" json:"devices" validate:"dive"`

	index    map[string]int
	warnings []string
}

// Load reads and validates a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

// New builds a validated catalog from in-memory definitions.
func New(machines []Machine, devices []Device) (*Catalog, error) {
	c := &Catalog{Machines: machines, Devices: devices}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	var errs []error
	c.index = make(map[string]int, len(c.Machines))
	for i, m := range c.Machines {
		key := foldKey(m.Name)
		if _, dup := c.index[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate machine %q", m.Name))
			continue
		}
		c.index[key] = i
		seen := make(map[string]struct{}, len(m.Tasks))
		for _, t := range m.Tasks {
			if _, dup := seen[t.Name]; dup {
				errs = append(errs, fmt.Errorf("duplicate task %q on machine %q", t.Name, m.Name))
				continue
			}
			seen[t.Name] = struct{}{}
			if Canonical(t.Name) != t.Name {
				c.warnings = append(c.warnings, fmt.Sprintf("task %q on machine %q is not in title case and can never be acknowledged", t.Name, m.Name))
			}
		}
	}
	for di := range c.Devices {
		d := &c.Devices[di]
		if d.Name == "" {
			d.Name = d.URL
		}
		for pos := range d.Machines {
			dm := &d.Machines[pos]
			if key, ok := c.ResolveMachine(dm.Name); ok {
				dm.Name = key
			} else {
				errs = append(errs, fmt.Errorf("device %q reports unknown machine %q", d.Name, dm.Name))
			}
			if dm.Field == nil {
				if pos >= len(defaultFields) {
					errs = append(errs, fmt.Errorf("device %q machine %q needs an explicit field", d.Name, dm.Name))
					continue
				}
				field := defaultFields[pos]
				dm.Field = &field
			}
		}
	}
	return errors.Join(errs...)
}

// Warnings lists non-fatal problems found while loading.
func (c *Catalog) Warnings() []string {
	return c.warnings
}

// MachineNames returns machine names in catalog order.
func (c *Catalog) MachineNames() []string {
	names := make([]string, 0, len(c.Machines))
	for _, m := range c.Machines {
		names = append(names, m.Name)
	}
	return names
}

// ResolveMachine maps free-form input to the exact catalog key, ignoring
// case and runs of whitespace.
func (c *Catalog) ResolveMachine(raw string) (string, bool) {
	i, ok := c.index[foldKey(raw)]
	if !ok {
		return "", false
	}
	return c.Machines[i].Name, true
}

// Machine returns the entry for a machine name, matched case-insensitively.
func (c *Catalog) Machine(name string) (Machine, bool) {
	i, ok := c.index[foldKey(name)]
	if !ok {
		return Machine{}, false
	}
	return c.Machines[i], true
}

// Interval returns the interval of an exactly named task on a machine.
func (c *Catalog) Interval(machine, task string) (float64, bool) {
	m, ok := c.Machine(machine)
	if !ok {
		return 0, false
	}
	for _, t := range m.Tasks {
		if t.Name == task {
			return t.IntervalHours, true
		}
	}
	return 0, false
}

// Canonical returns the display/comparison form of a task or machine name:
// whitespace-delimited words joined by single spaces, each word with an
// upper-case first letter and the rest lower-case.
func Canonical(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

func foldKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
