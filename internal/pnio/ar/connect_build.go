package ar

import (
	"github.com/google/uuid"

	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/gsdml"
	"github.com/mwilco03/pnio-controller/internal/pnio/profile"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

// DAP-only discovery addresses (spec §4.4 step 2: "slot 0 + interface
// subslot 0x8000 + port subslot 0x8001").
const (
	dapInterfaceSubslot = 0x8000
	dapPortSubslot      = 0x8001
)

// dapOnlySlots is the minimal Expected Submodule Block used for the
// first DAP-only Connect of the discovery pipeline, which cannot fail on
// module layout.
func dapOnlySlots() []pnio.Slot {
	return []pnio.Slot{
		{Slot: 0, Subslot: dapInterfaceSubslot, ModuleIdent: profile.DAPModuleIdent, SubmoduleIdent: profile.DAPSubmoduleIdent, DataLength: 0},
		{Slot: 0, Subslot: dapPortSubslot, ModuleIdent: profile.DAPModuleIdent, SubmoduleIdent: profile.DAPSubmoduleIdent, DataLength: 0},
	}
}

// slotDirection derives an IOCR direction from a slot's role: sensor data
// flows device→controller (Input), actuator commands controller→device
// (Output).
func slotDirection(s pnio.Slot) pnio.Direction {
	if s.Role == pnio.RoleActuator {
		return pnio.DirectionOutput
	}
	return pnio.DirectionInput
}

// slotsFromModules turns a GSDML-sourced module list into slots, using
// the profile table to recover role and type tag. A module/submodule
// pair absent from the table (a vendor-specific identifier this
// controller's built-in profile doesn't recognize) falls back to
// treating it as a 5-byte sensor input, since that is the less
// disruptive assumption for an unrecognized cyclic data point.
func slotsFromModules(modules []gsdml.Module) []pnio.Slot {
	slots := make([]pnio.Slot, 0, len(modules))
	for _, m := range modules {
		slots = append(slots, slotFromIdentPair(m.Slot, m.Subslot, m.ModuleIdent, m.SubmoduleIdent))
	}
	return slots
}

// slotsFromRealIdent turns a RecordRead RealIdentificationData result
// into slots, via the same profile reverse lookup as slotsFromModules.
func slotsFromRealIdent(modules []rpc.RealIdentModule) []pnio.Slot {
	slots := make([]pnio.Slot, 0, len(modules))
	for _, m := range modules {
		slots = append(slots, slotFromIdentPair(m.Slot, m.Subslot, m.ModuleIdent, m.SubmoduleIdent))
	}
	return slots
}

func slotFromIdentPair(slot, subslot uint16, moduleIdent, submoduleIdent uint32) pnio.Slot {
	if moduleIdent == profile.DAPModuleIdent && submoduleIdent == profile.DAPSubmoduleIdent {
		return pnio.Slot{Slot: slot, Subslot: subslot, ModuleIdent: moduleIdent, SubmoduleIdent: submoduleIdent, DataLength: 0}
	}
	typeTag, role, ok := profile.ReverseLookup(moduleIdent, submoduleIdent)
	dataLen := uint16(pnio.SensorSampleSize)
	if ok && role == pnio.RoleActuator {
		dataLen = pnio.ActuatorCommandSize
	}
	return pnio.Slot{
		Slot:           slot,
		Subslot:        subslot,
		Role:           role,
		TypeTag:        typeTag,
		ModuleIdent:    moduleIdent,
		SubmoduleIdent: submoduleIdent,
		DataLength:     dataLen,
	}
}

// dataObjectsForDirection builds the IODataObject list and total data
// length for one IOCR direction, in slot-table order, omitting
// zero-length submodules (spec §4.3, §3 invariant on offset accumulation).
func dataObjectsForDirection(slots []pnio.Slot, dir pnio.Direction) ([]rpc.IODataObject, uint16) {
	var objects []rpc.IODataObject
	var offset uint16
	for _, s := range slots {
		if s.DataLength == 0 || slotDirection(s) != dir {
			continue
		}
		objects = append(objects, rpc.IODataObject{Slot: s.Slot, Subslot: s.Subslot, FrameOffset: offset})
		offset += s.DataLength
	}
	return objects, offset
}

// expectedSubmoduleBlock groups slots by slot number, preserving first-
// seen order, into the nested Expected Submodule Block shape (spec §4.3).
func expectedSubmoduleBlock(slots []pnio.Slot) rpc.ExpectedSubmoduleBlock {
	order := make([]uint16, 0, len(slots))
	bySlot := make(map[uint16]*rpc.ExpectedSlot, len(slots))
	for _, s := range slots {
		es, ok := bySlot[s.Slot]
		if !ok {
			es = &rpc.ExpectedSlot{Slot: s.Slot, ModuleIdent: s.ModuleIdent}
			bySlot[s.Slot] = es
			order = append(order, s.Slot)
		}
		es.Subslots = append(es.Subslots, rpc.ExpectedSubslot{
			Subslot:        s.Subslot,
			SubmoduleIdent: s.SubmoduleIdent,
			Input:          slotDirection(s) == pnio.DirectionInput,
			DataLength:     s.DataLength,
			LengthIOCS:     1,
			LengthIOPS:     1,
		})
	}
	block := rpc.ExpectedSubmoduleBlock{Slots: make([]rpc.ExpectedSlot, 0, len(order))}
	for _, slotNum := range order {
		block.Slots = append(block.Slots, *bySlot[slotNum])
	}
	return block
}

// buildConnectRequest assembles the full Connect Request (spec §4.3) for
// one AR from its current slot table.
func buildConnectRequest(cfg Config, arUUID uuid.UUID, sessionKey uint16, station string, slots []pnio.Slot) rpc.ConnectRequest {
	arBlock := rpc.ARBlockReq{
		ARType:               rpc.ARTypeIOCAR,
		ARUUID:               arUUID,
		SessionKey:           sessionKey,
		ControllerMAC:        cfg.ControllerMAC,
		ControllerObjectUUID: cfg.ControllerObjectUUID,
		ARProperties:         rpc.ARPropDefault,
		ActivityTimeout:      rpc.ActivityTimeoutDefault,
		ControllerUDPPort:    cfg.ControllerUDPPort,
		StationName:          station,
	}

	inputObjects, inputLen := dataObjectsForDirection(slots, pnio.DirectionInput)
	outputObjects, outputLen := dataObjectsForDirection(slots, pnio.DirectionOutput)

	iocrs := []rpc.IOCRBlockReq{
		{
			Direction:       pnio.DirectionInput,
			FrameID:         pnio.AssignFrameID(sessionKey, pnio.DirectionInput),
			SendClockFactor: cfg.SendClockFactor,
			ReductionRatio:  cfg.ReductionRatio,
			WatchdogFactor:  cfg.IOCRWatchdogFactor,
			DataLength:      inputLen,
			DataObjects:     inputObjects,
		},
		{
			Direction:       pnio.DirectionOutput,
			FrameID:         pnio.AssignFrameID(sessionKey, pnio.DirectionOutput),
			SendClockFactor: cfg.SendClockFactor,
			ReductionRatio:  cfg.ReductionRatio,
			WatchdogFactor:  cfg.IOCRWatchdogFactor,
			DataLength:      outputLen,
			DataObjects:     outputObjects,
		},
	}

	return rpc.ConnectRequest{
		AR:       arBlock,
		IOCRs:    iocrs,
		AlarmCR:  rpc.DefaultAlarmCRBlockReq(),
		Expected: expectedSubmoduleBlock(slots),
	}
}

// iocrFromResponse builds the runtime pnio.IOCR for one direction from
// the request that was sent and the (possibly Frame-ID-reassigning)
// response (spec §4.3: "confirms or reassigns the Frame ID").
func iocrFromResponse(req rpc.IOCRBlockReq, resp []rpc.IOCRBlockRes) *pnio.IOCR {
	frameID := req.FrameID
	for _, r := range resp {
		if r.Direction == req.Direction {
			frameID = r.FrameID
			break
		}
	}
	return &pnio.IOCR{
		Direction:       req.Direction,
		FrameID:         frameID,
		Buffer:          make([]byte, req.DataLength),
		SendClockFactor: req.SendClockFactor,
		ReductionRatio:  req.ReductionRatio,
		WatchdogFactor:  req.WatchdogFactor,
	}
}
