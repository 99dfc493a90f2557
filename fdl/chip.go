package fdl

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ChipProfile holds the per-chip load addresses for the two FDL stages and
// the optional exec address used by the signature-bypass payload.
//
// Profiles are static lookup data: the session consumes them and never
// mutates them.
type ChipProfile struct {
	Fdl1Addr uint32 `toml:"fdl1_addr"`
	Fdl2Addr uint32 `toml:"fdl2_addr"`
	ExecAddr uint32 `toml:"exec_addr"`
}

// builtinProfiles covers the chips this tool is commonly pointed at.
// A TOML profile file can extend or override it.
var builtinProfiles = map[string]ChipProfile{
	"sc7731e": {Fdl1Addr: 0x50000000, Fdl2Addr: 0x9F000000},
	"sc9832e": {Fdl1Addr: 0x50000000, Fdl2Addr: 0x9F000000},
	"sc9863a": {Fdl1Addr: 0x00005500, Fdl2Addr: 0x9EFFFE00},
	"ums312":  {Fdl1Addr: 0x00005500, Fdl2Addr: 0x9EFFFE00},
	"ums512":  {Fdl1Addr: 0x65000800, Fdl2Addr: 0x9EFFFE00, ExecAddr: 0x65000800},
}

// chipProfileFile is the TOML shape of a profile override file:
//
//	[chips.sc9863a]
//	fdl1_addr = 0x5500
//	fdl2_addr = 0x9efffe00
type chipProfileFile struct {
	Chips map[string]ChipProfile `toml:"chips"`
}

// LoadChipProfiles reads chip profiles from a TOML file. Chip names are
// case-insensitive.
func LoadChipProfiles(path string) (map[string]ChipProfile, error) {
	var file chipProfileFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("chip profiles %s: %w", path, err)
	}
	out := make(map[string]ChipProfile, len(file.Chips))
	for name, p := range file.Chips {
		out[strings.ToLower(name)] = p
	}
	return out, nil
}

// LookupChip resolves a chip name against an optional overlay first, then
// the built-in table.
func LookupChip(name string, overlay map[string]ChipProfile) (ChipProfile, bool) {
	key := strings.ToLower(name)
	if overlay != nil {
		if p, ok := overlay[key]; ok {
			return p, true
		}
	}
	p, ok := builtinProfiles[key]
	return p, ok
}

// ChipNames lists the chips known to the built-in table, for CLI help.
func ChipNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	return names
}
