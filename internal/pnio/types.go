package pnio

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Direction is the flow direction of an IOCR, relative to the controller.
type Direction uint8

const (
	// DirectionInput carries data from the device to the controller.
	DirectionInput Direction = iota
	// DirectionOutput carries data from the controller to the device.
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

// SlotRole classifies what a (slot, subslot) submodule does.
type SlotRole uint8

const (
	RoleSensor SlotRole = iota
	RoleActuator
)

func (r SlotRole) String() string {
	if r == RoleActuator {
		return "actuator"
	}
	return "sensor"
}

// Sizes of the fixed wire payloads described in spec §6.
const (
	SensorSampleSize   = 5 // float32 value (BE) || uint8 quality
	ActuatorCommandSize = 4 // uint8 command || uint8 pwm_duty || uint8[2] reserved
)

// Quality bit layout (top two bits of the quality byte).
const (
	QualityGood         = 0x00
	QualityUncertain    = 0x40
	QualityBad          = 0x80
	QualityNotConnected = 0xC0
	qualityMask         = 0xC0
)

// SensorSample is the decoded form of a 5-byte input submodule payload.
type SensorSample struct {
	Value       float32
	Quality     uint8
	TimestampMs uint64
}

// QualityClass extracts the GOOD/UNCERTAIN/BAD/NOT_CONNECTED class from Quality.
func (s SensorSample) QualityClass() uint8 {
	return s.Quality & qualityMask
}

// ActuatorCommand is the decoded form of a 4-byte output submodule payload.
type ActuatorCommand struct {
	Command uint8
	PWMDuty uint8
}

// DiagnosisAlarm is a device-initiated alarm indication (spec §4.3
// "ALARM-High/ALARM-Low"), carried over the Alarm CR the Connect phase
// negotiates and reported to the embedding application as it arrives.
type DiagnosisAlarm struct {
	Channel  uint16
	Severity uint8
}

// Slot binds a (slot, subslot) address to a role and GSDML identity.
type Slot struct {
	Slot            uint16
	Subslot         uint16
	Role            SlotRole
	TypeTag         string // domain-level measurement/actuator type, e.g. "ph", "pump"
	ModuleIdent     uint32
	SubmoduleIdent  uint32
	DataLength      uint16
}

// DataStatus bit layout (spec §6).
const (
	DataStatusState      = 0x01
	DataStatusRedundancy = 0x02
	DataStatusValid      = 0x04
	DataStatusRun        = 0x10
	DataStatusStation    = 0x20
	DataStatusIgnore     = 0x80

	// DataStatusRunValid is the value a healthy RUN-state output frame carries.
	DataStatusRunValid = DataStatusState | DataStatusValid | DataStatusRun
)

// IOPS/IOCS provider/consumer status byte values.
const (
	IOxSGood = 0x80
	IOxSBad  = 0x00
)

// IOCR is a unidirectional cyclic stream within an AR.
type IOCR struct {
	Direction        Direction
	FrameID          uint16
	Buffer           []byte
	SendClockFactor  uint16 // units of 31.25us
	ReductionRatio   uint16
	WatchdogFactor   uint16
	CycleCounter     uint16 // wraps
	LastFrameTimeUs  int64  // wall-clock Unix time in us, set by the receive thread on ingestion
}

// ARState is a node in the state machine of spec §4.4.
type ARState uint8

const (
	ARStateInit ARState = iota
	ARStateConnectReq
	ARStateConnectCnf
	ARStatePrmSrv
	ARStateReady
	ARStateRun
	ARStateAbort
	ARStateClose
)

func (s ARState) String() string {
	switch s {
	case ARStateInit:
		return "INIT"
	case ARStateConnectReq:
		return "CONNECT_REQ"
	case ARStateConnectCnf:
		return "CONNECT_CNF"
	case ARStatePrmSrv:
		return "PRMSRV"
	case ARStateReady:
		return "READY"
	case ARStateRun:
		return "RUN"
	case ARStateAbort:
		return "ABORT"
	case ARStateClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// DeviceState is the externally-visible lifecycle a Device reports,
// mirrored from its AR's ARState for the on_device_state_changed callback.
type DeviceState uint8

const (
	DeviceStateDiscovered DeviceState = iota
	DeviceStateConnecting
	DeviceStateRunning
	DeviceStateError
	DeviceStateClosed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDiscovered:
		return "DISCOVERED"
	case DeviceStateConnecting:
		return "CONNECTING"
	case DeviceStateRunning:
		return "RUNNING"
	case DeviceStateError:
		return "ERROR"
	case DeviceStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Device is a single RTU addressed by its PROFINET station name.
type Device struct {
	StationName string
	MAC         net.HardwareAddr
	IP          netip.Addr
	VendorID    uint16
	DeviceID    uint16
	LastSeen    time.Time
	State       DeviceState

	Slots     []Slot
	Sensors   []SensorSample
	Actuators []ActuatorCommand
}

// Clone returns a deep copy, independent of mutation to the original.
// Every field reachable from a registry lookup must go through Clone —
// see registry.Registry.GetDevice/ListDevices.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.MAC != nil {
		c.MAC = append(net.HardwareAddr(nil), d.MAC...)
	}
	if d.Slots != nil {
		c.Slots = append([]Slot(nil), d.Slots...)
	}
	if d.Sensors != nil {
		c.Sensors = append([]SensorSample(nil), d.Sensors...)
	}
	if d.Actuators != nil {
		c.Actuators = append([]ActuatorCommand(nil), d.Actuators...)
	}
	return &c
}

// ApplicationRelationship is the controller's per-device session.
type ApplicationRelationship struct {
	ARUUID     uuid.UUID
	SessionKey uint16

	StationName string
	MAC         net.HardwareAddr
	IP          netip.Addr

	InputIOCR  *IOCR
	OutputIOCR *IOCR

	Slots []Slot

	WatchdogMs     int64
	LastActivityMs int64

	State ARState

	// Connecting is true while a blocking RPC call is in flight on this
	// AR's behalf; the cyclic engine skips ARs with Connecting set, and
	// the tick loop never mutates State while it is set (spec §4.4).
	Connecting bool

	LastError error
}

// RTClass1Base is the lowest Frame ID in the reserved RT Class 1 range.
const RTClass1Base = 0xC000

// RTClass1Max is the highest Frame ID in the reserved RT Class 1 range.
const RTClass1Max = 0xF7FF

// AssignFrameID derives the Frame ID for a session key and direction per
// spec §3: RT_CLASS1_BASE + session_key*2 + direction_bit. Session keys
// wrap modulo 32768 so the result never escapes the RT Class 1 range.
func AssignFrameID(sessionKey uint16, dir Direction) uint16 {
	wrapped := sessionKey % 32768
	bit := uint16(0)
	if dir == DirectionOutput {
		bit = 1
	}
	return RTClass1Base + wrapped*2 + bit
}
