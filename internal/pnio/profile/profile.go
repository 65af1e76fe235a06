// Package profile resolves the domain-level measurement/actuator type
// tags carried on a pnio.Slot (spec §3, §4.4) to the GSDML module and
// submodule identifiers the Expected Submodule Block needs. The
// controller drives water-treatment field devices (spec §1), so the
// built-in table covers that domain's common instruments and actuators;
// nothing about the rest of the controller depends on it.
package profile

import (
	"fmt"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// Entry is one module/submodule identifier pair for a measurement or
// actuator type tag, plus the direction that identifier pair implies for
// IOCR assignment (spec §4.4: SENSOR data flows device→controller on the
// Input IOCR, ACTUATOR commands flow controller→device on the Output
// IOCR).
type Entry struct {
	ModuleIdent    uint32
	SubmoduleIdent uint32
	Role           pnio.SlotRole
}

// DAPModuleIdent and DAPSubmoduleIdent address slot 0 (the device access
// point), which every Expected Submodule Block prepends regardless of
// the rest of the slot table (spec §4.4).
const (
	DAPModuleIdent    = 0x00000001
	DAPSubmoduleIdent = 0x00000001
)

// table is the built-in water-treatment type-tag lookup. Module idents
// are grouped by vendor block (sensors 0x10-, actuators 0x20-) purely to
// keep the table readable; devices under test are free to report
// different values via Record Read discovery (spec §4.3), which bypass
// this table entirely.
var table = map[string]Entry{
	"ph":           {ModuleIdent: 0x00000010, SubmoduleIdent: 0x00000011, Role: pnio.RoleSensor},
	"turbidity":    {ModuleIdent: 0x00000012, SubmoduleIdent: 0x00000013, Role: pnio.RoleSensor},
	"chlorine":     {ModuleIdent: 0x00000014, SubmoduleIdent: 0x00000015, Role: pnio.RoleSensor},
	"conductivity": {ModuleIdent: 0x00000016, SubmoduleIdent: 0x00000017, Role: pnio.RoleSensor},
	"flow":         {ModuleIdent: 0x00000018, SubmoduleIdent: 0x00000019, Role: pnio.RoleSensor},
	"level":        {ModuleIdent: 0x0000001A, SubmoduleIdent: 0x0000001B, Role: pnio.RoleSensor},
	"temperature":  {ModuleIdent: 0x0000001C, SubmoduleIdent: 0x0000001D, Role: pnio.RoleSensor},
	"pump":         {ModuleIdent: 0x00000020, SubmoduleIdent: 0x00000021, Role: pnio.RoleActuator},
	"valve":        {ModuleIdent: 0x00000022, SubmoduleIdent: 0x00000023, Role: pnio.RoleActuator},
	"dosing_pump":  {ModuleIdent: 0x00000024, SubmoduleIdent: 0x00000025, Role: pnio.RoleActuator},
	"mixer":        {ModuleIdent: 0x00000026, SubmoduleIdent: 0x00000027, Role: pnio.RoleActuator},
}

type identKey struct {
	moduleIdent    uint32
	submoduleIdent uint32
}

// reverse maps an (module_ident, submodule_ident) pair back to its type
// tag, built once from table so ReverseLookup stays in sync with it.
var reverse = func() map[identKey]string {
	m := make(map[identKey]string, len(table))
	for tag, e := range table {
		m[identKey{e.ModuleIdent, e.SubmoduleIdent}] = tag
	}
	return m
}()

// ReverseLookup resolves a device-reported (module_ident, submodule_ident)
// pair — as returned by a RealIdentificationData record read or a GSDML
// module list — back to a type tag and role. Used when rebuilding the
// Expected Submodule Block for a reconnect from discovered identifiers
// the controller didn't choose itself (spec §4.4 step 4).
func ReverseLookup(moduleIdent, submoduleIdent uint32) (typeTag string, role pnio.SlotRole, ok bool) {
	tag, found := reverse[identKey{moduleIdent, submoduleIdent}]
	if !found {
		return "", pnio.RoleSensor, false
	}
	return tag, table[tag].Role, true
}

// ErrUnknownTypeTag is returned by Lookup for a tag the table doesn't carry.
type ErrUnknownTypeTag struct {
	TypeTag string
}

func (e ErrUnknownTypeTag) Error() string {
	return fmt.Sprintf("profile: no module identifiers for type tag %q", e.TypeTag)
}

// Lookup resolves typeTag to its module/submodule identifiers.
func Lookup(typeTag string) (Entry, error) {
	e, ok := table[typeTag]
	if !ok {
		return Entry{}, ErrUnknownTypeTag{TypeTag: typeTag}
	}
	return e, nil
}

// KnownTypeTags returns the set of type tags the table can resolve, for
// diagnostics and tests.
func KnownTypeTags() []string {
	tags := make([]string, 0, len(table))
	for k := range table {
		tags = append(tags, k)
	}
	return tags
}
