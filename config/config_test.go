package config

import (
	"os"
	"path/filepath"
	"testing"

	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/kmain"
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/pmm"
	"nanoos/kernel/mm/vmm"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const tomlConfig = `
log_level = "debug"
log_format = "json"
translate = ["0xffff_8000_0010_0000", 0xb8000]

[[memory_map]]
address = 0
length = 0x9fc00
type = "usable"

[[memory_map]]
address = 0x100000
length = 0xff00000
type = "available"

[[reserved]]
address = 0x200000
length = 0x1000

[[mappings]]
virtual = "0xffff800000100000"
flags = ["rw", "no_execute"]

[[identity]]
frame = 0x300000
size = 0x2000
flags = ["rw"]
`

const yamlConfig = `
log_level: debug
log_format: json
translate: [0xffff_8000_0010_0000, 0xb8000]
memory_map:
  - {address: 0, length: 0x9fc00, type: usable}
  - {address: 0x100000, length: 0xff00000, type: available}
reserved:
  - {address: 0x200000, length: 0x1000}
mappings:
  - virtual: 0xffff800000100000
    flags: [rw, no_execute]
identity:
  - {frame: 0x300000, size: 0x2000, flags: [rw]}
`

func TestLoad(t *testing.T) {
	for _, spec := range []struct {
		name     string
		contents string
	}{
		{"machine.toml", tomlConfig},
		{"machine.yaml", yamlConfig},
		{"machine.yml", yamlConfig},
	} {
		t.Run(spec.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, spec.name, spec.contents))
			require.NoError(t, err)

			require.Equal(t, "debug", cfg.LogLevel)
			require.Equal(t, "json", cfg.LogFormat)
			require.Equal(t, []Region{
				{Address: 0, Length: 0x9fc00, Type: "usable"},
				{Address: 0x100000, Length: 0xff00000, Type: "available"},
			}, cfg.MemoryMap)
			require.Equal(t, []Span{{Address: 0x200000, Length: 0x1000}}, cfg.Reserved)
			require.Equal(t, []Mapping{{Virtual: 0xffff800000100000, Flags: []string{"rw", "no_execute"}}}, cfg.Mappings)
			require.Equal(t, []Identity{{Frame: 0x300000, Size: 0x2000, Flags: []string{"rw"}}}, cfg.Identity)
			require.Equal(t, []Number{0xffff800000100000, 0xb8000}, cfg.Translate)

			info, err := cfg.KernelBootInfo()
			require.NoError(t, err)
			require.Equal(t, []pmm.Range{{Start: 0x200000, End: 0x200fff}}, info.Reserved)
			require.Equal(t, []kmain.Mapping{{Virtual: 0xffff800000100000, Flags: vmm.FlagRW | vmm.FlagNoExecute}}, info.Mappings)
			require.Equal(t, []kmain.IdentityRegion{{Frame: mm.Frame(0x300), Size: 0x2000, Flags: vmm.FlagRW}}, info.Identity)
			require.Equal(t, []uintptr{0xffff800000100000, 0xb8000}, info.Translate)

			var regions []multiboot.MemoryMapEntry
			info.MemoryMap.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
				regions = append(regions, *entry)
				return true
			})
			require.Equal(t, cfg.MemoryMapEntries(), regions)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "min.toml", `
[[memory_map]]
address = 0x100000
length = 0x100000
type = "usable"
`))
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "console", cfg.LogFormat)
}

func TestLoadErrors(t *testing.T) {
	specs := []struct {
		name     string
		contents string
		errMsg   string
	}{
		{"bad.ini", "", "unsupported config file extension"},
		{"bad.toml", "log_level = ", "unable to decode"},
		{"unknown.toml", "colour = \"red\"\n[[memory_map]]\naddress = 0\nlength = 1\ntype = \"usable\"", "unknown key"},
		{"unknown.yaml", "colour: red", "unable to decode"},
		{"negative.toml", "translate = [-1]", "must not be negative"},
		{"number.yaml", "translate: [bogus]", "invalid number"},
		{"empty.toml", "", "either memory_map or boot_info must be set"},
		{"zero.yaml", "memory_map: [{address: 0, length: 0, type: usable}]", "length must be non-zero"},
		{"type.yaml", "memory_map: [{address: 0, length: 1, type: rom}]", "unknown region type"},
		{"flags.yaml", "memory_map: [{address: 0, length: 1, type: usable}]\nmappings: [{virtual: 0x1000, flags: [exec]}]", "unknown page table entry flag"},
		{"canonical.yaml", "memory_map: [{address: 0, length: 1, type: usable}]\nmappings: [{virtual: 0x0000800000000000}]", "not canonical"},
		{"window.yaml", "memory_map: [{address: 0, length: 1, type: usable}]\nmappings: [{virtual: 0xffffff8000001000}]", "page table window"},
		{"format.yaml", "boot_info: {path: boot.bin, format: uefi}", "unknown format"},
		{"logformat.yaml", "log_format: xml\nmemory_map: [{address: 0, length: 1, type: usable}]", "unknown log format"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := Load(writeFile(t, spec.name, spec.contents))
			require.Error(t, err)
			require.Contains(t, err.Error(), spec.errMsg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "unable to open config")
}

func TestBootInfoFile(t *testing.T) {
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0xff00000, Type: multiboot.MemAvailable},
	}

	for _, format := range []multiboot.Format{multiboot.FormatMultiboot, multiboot.FormatE820} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()

			data := multiboot.EncodeRaw(entries)
			if format == multiboot.FormatMultiboot {
				data = multiboot.EncodeMultiboot(entries)
			}
			require.NoError(t, os.WriteFile(filepath.Join(dir, "boot.bin"), data, 0o644))

			path := filepath.Join(dir, "machine.yaml")
			require.NoError(t, os.WriteFile(path, []byte("boot_info: {path: boot.bin, format: "+string(format)+"}"), 0o644))

			cfg, err := Load(path)
			require.NoError(t, err)

			m, err := cfg.BootMemoryMap()
			require.NoError(t, err)

			var got []multiboot.MemoryMapEntry
			m.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
				got = append(got, *entry)
				return true
			})
			require.Equal(t, entries, got)
		})
	}

	cfg := &Config{BootInfo: &BootInfoFile{Path: filepath.Join(t.TempDir(), "missing.bin"), Format: "e820"}}
	_, err := cfg.KernelBootInfo()
	require.ErrorContains(t, err, "unable to read boot info")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	info, err := cfg.KernelBootInfo()
	require.NoError(t, err)
	require.Len(t, info.Mappings, 2)
	require.Equal(t, uintptr(0xffff800000100000), info.Mappings[0].Virtual)

	var free uint64
	info.MemoryMap.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type == multiboot.MemAvailable {
			free += entry.Length
		}
		return true
	})
	require.Equal(t, uint64(0x9fc00+0xff00000), free)
}

func TestNumberMarshalText(t *testing.T) {
	text, err := Number(0xffff800000100000).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0xffff800000100000", string(text))
}
