// Package config loads the machine description used to boot the simulated
// kernel from TOML or YAML files.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/kmain"
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/pmm"
	"nanoos/kernel/mm/vmm"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Number is an unsigned 64-bit value that may be written as a plain integer
// or as a string using any Go integer literal syntax (e.g.
// "0xffff_8000_0010_0000"). Quoting is required for values that do not fit
// in a signed 64-bit TOML integer.
type Number uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Number) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid number %q", text)
	}
	*n = Number(v)
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (n *Number) UnmarshalTOML(v interface{}) error {
	switch t := v.(type) {
	case int64:
		if t < 0 {
			return errors.Errorf("invalid number %d: must not be negative", t)
		}
		*n = Number(t)
		return nil
	case string:
		return n.UnmarshalText([]byte(t))
	default:
		return errors.Errorf("invalid number %v: unsupported type %T", v, v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a number", node.Line)
	}
	return n.UnmarshalText([]byte(node.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (n Number) MarshalText() ([]byte, error) {
	return []byte("0x" + strconv.FormatUint(uint64(n), 16)), nil
}

// Region is an entry of the boot memory map.
type Region struct {
	Address Number `toml:"address" yaml:"address"`
	Length  Number `toml:"length" yaml:"length"`
	Type    string `toml:"type" yaml:"type"`
}

// Span is a physical address range excluded from allocation.
type Span struct {
	Address Number `toml:"address" yaml:"address"`
	Length  Number `toml:"length" yaml:"length"`
}

// BootInfoFile points to a binary boot info blob holding the memory map.
type BootInfoFile struct {
	Path   string `toml:"path" yaml:"path"`
	Format string `toml:"format" yaml:"format"`
}

// Mapping requests a page to be mapped to a freshly allocated frame.
type Mapping struct {
	Virtual Number   `toml:"virtual" yaml:"virtual"`
	Flags   []string `toml:"flags" yaml:"flags"`
}

// Identity requests the physical region starting at Frame to be identity
// mapped. Frame is a physical address and is rounded down to its frame.
type Identity struct {
	Frame Number   `toml:"frame" yaml:"frame"`
	Size  Number   `toml:"size" yaml:"size"`
	Flags []string `toml:"flags" yaml:"flags"`
}

// Config describes the simulated machine and the bring-up work to perform.
type Config struct {
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`

	MemoryMap []Region      `toml:"memory_map" yaml:"memory_map"`
	BootInfo  *BootInfoFile `toml:"boot_info" yaml:"boot_info"`
	Reserved  []Span        `toml:"reserved" yaml:"reserved"`

	Mappings  []Mapping  `toml:"mappings" yaml:"mappings"`
	Identity  []Identity `toml:"identity" yaml:"identity"`
	Translate []Number   `toml:"translate" yaml:"translate"`

	// dir is the directory of the loaded file; relative boot info paths
	// are resolved against it.
	dir string
}

var regionTypes = map[string]multiboot.MemoryEntryType{
	"available":        multiboot.MemAvailable,
	"usable":           multiboot.MemAvailable,
	"reserved":         multiboot.MemReserved,
	"acpi":             multiboot.MemAcpiReclaimable,
	"acpi_reclaimable": multiboot.MemAcpiReclaimable,
	"nvs":              multiboot.MemNvs,
}

// Default returns the configuration of a machine with 640K of conventional
// memory and 255M of extended memory that maps a single upper-half page.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		MemoryMap: []Region{
			{Address: 0x0, Length: 0x9fc00, Type: "usable"},
			{Address: 0x100000, Length: 0xff00000, Type: "usable"},
		},
		Mappings: []Mapping{
			{Virtual: 0xffff800000100000, Flags: []string{"rw"}},
			{Virtual: 42 * 512 * 512 * 4096, Flags: []string{"rw"}},
		},
		Translate: []Number{0xffff800000100000, 42 * 512 * 512 * 4096, 0xb8000, 0xffff800000200000},
	}
}

// Load reads the configuration stored at path. The decoder is selected by
// the file extension: ".toml" for TOML and ".yaml" or ".yml" for YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config")
	}
	defer f.Close()

	cfg := &Config{dir: filepath.Dir(path)}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.NewDecoder(f).Decode(cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return nil, errors.Errorf("unable to decode %q: unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "unable to decode %q", path)
		}
	default:
		return nil, errors.Errorf("unsupported config file extension %q", ext)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Validate checks the configuration for values the kernel cannot use.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.BootInfo != nil {
		if c.BootInfo.Path == "" {
			return errors.New("boot_info: path must be set")
		}
		switch multiboot.Format(c.BootInfo.Format) {
		case multiboot.FormatMultiboot, multiboot.FormatE820:
		default:
			return errors.Errorf("boot_info: unknown format %q", c.BootInfo.Format)
		}
	} else if len(c.MemoryMap) == 0 {
		return errors.New("either memory_map or boot_info must be set")
	}

	for i, r := range c.MemoryMap {
		if r.Length == 0 {
			return errors.Errorf("memory_map[%d]: length must be non-zero", i)
		}
		if _, ok := regionTypes[strings.ToLower(r.Type)]; !ok {
			return errors.Errorf("memory_map[%d]: unknown region type %q", i, r.Type)
		}
	}

	for i, s := range c.Reserved {
		if s.Length == 0 {
			return errors.Errorf("reserved[%d]: length must be non-zero", i)
		}
	}

	for i, m := range c.Mappings {
		if _, err := vmm.FlagsFromNames(m.Flags); err != nil {
			return errors.Errorf("mappings[%d]: %s", i, err)
		}
		if !mm.IsCanonical(uintptr(m.Virtual)) {
			return errors.Errorf("mappings[%d]: address %#x is not canonical", i, uint64(m.Virtual))
		}
		if vmm.InRecursiveWindow(uintptr(m.Virtual)) {
			return errors.Errorf("mappings[%d]: address %#x lies inside the page table window", i, uint64(m.Virtual))
		}
	}

	for i, id := range c.Identity {
		if id.Size == 0 {
			return errors.Errorf("identity[%d]: size must be non-zero", i)
		}
		if _, err := vmm.FlagsFromNames(id.Flags); err != nil {
			return errors.Errorf("identity[%d]: %s", i, err)
		}
	}

	for i, addr := range c.Translate {
		if !mm.IsCanonical(uintptr(addr)) {
			return errors.Errorf("translate[%d]: address %#x is not canonical", i, uint64(addr))
		}
	}

	return nil
}

// MemoryMapEntries converts the inline memory map into boot memory map
// entries.
func (c *Config) MemoryMapEntries() []multiboot.MemoryMapEntry {
	entries := make([]multiboot.MemoryMapEntry, 0, len(c.MemoryMap))
	for _, r := range c.MemoryMap {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: uint64(r.Address),
			Length:      uint64(r.Length),
			Type:        regionTypes[strings.ToLower(r.Type)],
		})
	}
	return entries
}

// BootMemoryMap returns the boot memory map described by the configuration,
// reading it from the boot info file when one is configured.
func (c *Config) BootMemoryMap() (multiboot.MemoryMap, error) {
	if c.BootInfo == nil {
		return multiboot.RawMemoryMap(multiboot.EncodeRaw(c.MemoryMapEntries())), nil
	}

	path := c.BootInfo.Path
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read boot info")
	}

	m, kerr := multiboot.Decode(data, multiboot.Format(c.BootInfo.Format))
	if kerr != nil {
		return nil, errors.Wrapf(kerr, "unable to decode boot info %q", path)
	}
	return m, nil
}

// KernelBootInfo assembles the boot information passed to kmain.Kmain.
func (c *Config) KernelBootInfo() (kmain.BootInfo, error) {
	var (
		info kmain.BootInfo
		err  error
	)

	if info.MemoryMap, err = c.BootMemoryMap(); err != nil {
		return info, err
	}

	for _, s := range c.Reserved {
		end := uint64(s.Address) + uint64(s.Length) - 1
		if end < uint64(s.Address) {
			end = ^uint64(0)
		}
		info.Reserved = append(info.Reserved, pmm.Range{Start: uint64(s.Address), End: end})
	}

	for i, m := range c.Mappings {
		flags, kerr := vmm.FlagsFromNames(m.Flags)
		if kerr != nil {
			return info, errors.Wrapf(kerr, "mappings[%d]", i)
		}
		info.Mappings = append(info.Mappings, kmain.Mapping{Virtual: uintptr(m.Virtual), Flags: flags})
	}

	for i, id := range c.Identity {
		flags, kerr := vmm.FlagsFromNames(id.Flags)
		if kerr != nil {
			return info, errors.Wrapf(kerr, "identity[%d]", i)
		}
		info.Identity = append(info.Identity, kmain.IdentityRegion{
			Frame: mm.FrameFromAddress(uintptr(id.Frame)),
			Size:  uintptr(id.Size),
			Flags: flags,
		})
	}

	for _, addr := range c.Translate {
		info.Translate = append(info.Translate, uintptr(addr))
	}

	return info, nil
}
