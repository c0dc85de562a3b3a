package catalog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// MaxFileSize caps catalog files.
const MaxFileSize = 4 * 1024 * 1024

var (
	// ErrInvalid wraps every catalog validation failure.
	ErrInvalid = errors.New("invalid catalog")

	// ErrUnsupportedFormat is returned for files that are neither YAML nor TOML.
	ErrUnsupportedFormat = errors.New("unsupported catalog format")
)

// Format is a catalog file encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// LoadFile reads, parses and validates a catalog file.
func LoadFile(path string) (*Catalog, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("catalog %s exceeds %d bytes", path, MaxFileSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a catalog.
func Parse(data []byte, format Format) (*Catalog, error) {
	k := koanf.New(".")

	var err error
	switch format {
	case FormatYAML:
		err = k.Load(rawbytes.Provider(data), yaml.Parser())
	case FormatTOML:
		err = k.Load(tomlProvider(data), nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s catalog: %w", format, err)
	}

	var c Catalog
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

// New validates a programmatically built catalog and returns a snapshot
// ready for use.
func New(c Catalog) (*Catalog, error) {
	c.Phases = append([]string(nil), c.Phases...)
	c.Rules = append([]Rule(nil), c.Rules...)
	c.Packages = append([]Package(nil), c.Packages...)
	c.Triggers = append([]Trigger(nil), c.Triggers...)
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

// tomlProvider feeds a TOML document to koanf as a nested map so both
// formats share one decoding path.
type tomlProvider []byte

func (p tomlProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("toml provider does not support ReadBytes")
}

func (p tomlProvider) Read() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := toml.Unmarshal(p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) applyDefaults() {
	if len(c.Phases) == 0 {
		c.Phases = append([]string(nil), DefaultPhases...)
	}
	for i := range c.Packages {
		if c.Packages[i].Class == "" {
			c.Packages[i].Class = gate.ClassGrowth
		}
		if c.Packages[i].Name == "" {
			c.Packages[i].Name = c.Packages[i].ID
		}
	}
	for i := range c.Rules {
		if c.Rules[i].Name == "" {
			c.Rules[i].Name = c.Rules[i].ID
		}
	}
}

// Validate checks structural consistency. All problems are reported at once.
func (c *Catalog) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	phases := map[string]struct{}{}
	for _, p := range c.Phases {
		if p == "" {
			add("phases: empty phase name")
		}
		if _, dup := phases[p]; dup {
			add("phases: duplicate phase %q", p)
		}
		phases[p] = struct{}{}
	}

	ruleIDs := map[string]struct{}{}
	for i, r := range c.Rules {
		where := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			add("%s: id is required", where)
		} else {
			where = fmt.Sprintf("rule %q", r.ID)
			if _, dup := ruleIDs[r.ID]; dup {
				add("%s: duplicate id", where)
			}
			ruleIDs[r.ID] = struct{}{}
		}
		if r.Phase != "" {
			if _, ok := phases[r.Phase]; !ok {
				add("%s: unknown phase %q", where, r.Phase)
			}
		}
		if math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) || r.Weight < 0 {
			add("%s: weight must be a finite non-negative number", where)
		}
		if r.Action != "" && !r.Action.IsValid() {
			add("%s: unknown action %q", where, r.Action)
		}
		if len(r.Conditions) == 0 {
			add("%s: at least one condition is required", where)
		}
		for j, cond := range r.Conditions {
			if cond.Indicator == "" {
				add("%s: conditions[%d]: indicator is required", where, j)
			}
			if len(cond.Pattern) == 0 {
				add("%s: conditions[%d]: pattern is required", where, j)
			}
			for _, s := range cond.Pattern {
				if !s.IsValid() {
					add("%s: conditions[%d]: invalid symbol %d", where, j, int8(s))
				}
			}
			if cond.MinLength < 0 {
				add("%s: conditions[%d]: min_length must not be negative", where, j)
			}
			if cond.MinConfidence < 0 || cond.MinConfidence > 1 {
				add("%s: conditions[%d]: min_confidence must be within [0,1]", where, j)
			}
		}
	}

	pkgIDs := map[string]struct{}{}
	for i, p := range c.Packages {
		where := fmt.Sprintf("packages[%d]", i)
		if p.ID == "" {
			add("%s: id is required", where)
		} else {
			where = fmt.Sprintf("package %q", p.ID)
			if _, dup := pkgIDs[p.ID]; dup {
				add("%s: duplicate id", where)
			}
			pkgIDs[p.ID] = struct{}{}
		}
		if p.Action != "" && !p.Action.IsValid() {
			add("%s: unknown action %q", where, p.Action)
		}
		if !p.Class.IsValid() {
			add("%s: unknown class %q", where, p.Class)
		}
		if p.Priority < 0 {
			add("%s: priority must not be negative", where)
		}
		if p.ExpectedDuration < 0 {
			add("%s: expected_duration must not be negative", where)
		}
		for _, ph := range p.Phases {
			if _, ok := phases[ph]; !ok {
				add("%s: unknown phase %q", where, ph)
			}
		}
		seen := map[string]struct{}{}
		for _, res := range p.Resources {
			if res == "" {
				add("%s: empty resource key", where)
			}
			if _, dup := seen[res]; dup {
				add("%s: duplicate resource %q", where, res)
			}
			seen[res] = struct{}{}
		}
	}

	trigIDs := map[string]struct{}{}
	for i, t := range c.Triggers {
		where := fmt.Sprintf("triggers[%d]", i)
		if t.ID == "" {
			add("%s: id is required", where)
		} else {
			where = fmt.Sprintf("trigger %q", t.ID)
			if _, dup := trigIDs[t.ID]; dup {
				add("%s: duplicate id", where)
			}
			trigIDs[t.ID] = struct{}{}
		}
		if t.Metric == "" {
			add("%s: metric is required", where)
		}
		if t.Floor == nil && t.Ceiling == nil {
			add("%s: floor or ceiling is required", where)
		}
		if _, ok := pkgIDs[t.Package]; !ok {
			add("%s: unknown package %q", where, t.Package)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
