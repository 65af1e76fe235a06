package rpc

import (
	"fmt"

	"github.com/mwilco03/pnio-controller/internal/pnio"
)

// ErrorDecodePNIOCM is the PNIO-CM error-decode byte carried in a Fault
// response or an IOD Control/Record response's block error (spec §4.3).
const ErrorDecodePNIOCM = 0x81

// RecoveryAction is what the AR manager should do after a PNIO-CM error
// response (spec §4.3).
type RecoveryAction int

const (
	RecoveryRetrySame RecoveryAction = iota
	RecoveryWaitAndRetry
	RecoveryRediscover
	RecoveryTryMinimalDAPOnly
	RecoveryFixPhase
	RecoveryFixTiming
	RecoveryFixBlockLength
	RecoveryTryNameVariation
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryRetrySame:
		return "retry-same"
	case RecoveryWaitAndRetry:
		return "wait-and-retry"
	case RecoveryRediscover:
		return "rediscover"
	case RecoveryTryMinimalDAPOnly:
		return "try-minimal-dap-only-config"
	case RecoveryFixPhase:
		return "fix-phase"
	case RecoveryFixTiming:
		return "fix-timing"
	case RecoveryFixBlockLength:
		return "fix-block-length"
	case RecoveryTryNameVariation:
		return "try-name-variation"
	default:
		return "unknown"
	}
}

// FaultInfo is the decoded error-decode/code1/code2 triple from a Fault
// PDU or a block's control-block-error field.
type FaultInfo struct {
	ErrorDecode uint8
	ErrorCode1  uint8
	ErrorCode2  uint8
}

func (f FaultInfo) String() string {
	return fmt.Sprintf("decode=0x%02X, code1=0x%02X, code2=0x%02X", f.ErrorDecode, f.ErrorCode1, f.ErrorCode2)
}

type errKey struct {
	code1 uint8
	code2 uint8
}

// recoveryTable is the static error-code to recovery-action mapping (spec
// §4.3): "a static table from spec-defined error codes; an unknown code
// maps to wait-and-retry." code1 identifies the offending PNIO block or
// service area, code2 the specific condition within it.
var recoveryTable = map[errKey]RecoveryAction{
	{0x01, 0x01}: RecoveryFixBlockLength,    // AR block, invalid length
	{0x01, 0x02}: RecoveryFixBlockLength,    // AR block, unsupported/garbled content
	{0x02, 0x01}: RecoveryFixBlockLength,    // IOCR block, invalid length
	{0x02, 0x02}: RecoveryTryMinimalDAPOnly, // IOCR block, module layout mismatch
	{0x03, 0x01}: RecoveryTryMinimalDAPOnly, // Expected Submodule block, module mismatch
	{0x04, 0x01}: RecoveryFixPhase,          // Control block, wrong AR state for command
	{0x04, 0x02}: RecoveryFixTiming,         // Control block, activity timeout exceeded
	{0x05, 0x01}: RecoveryRediscover,        // AR UUID/session key unknown to device
	{0x06, 0x01}: RecoveryTryNameVariation,  // station name not found/mismatched
}

// AnalyzeError maps a PNIO-CM Fault's (error_code1, error_code2) pair to a
// recovery action. Errors with ErrorDecode != ErrorDecodePNIOCM, or not
// present in the table, map to RecoveryWaitAndRetry.
func AnalyzeError(f FaultInfo) RecoveryAction {
	if f.ErrorDecode != ErrorDecodePNIOCM {
		return RecoveryWaitAndRetry
	}
	if action, ok := recoveryTable[errKey{f.ErrorCode1, f.ErrorCode2}]; ok {
		return action
	}
	return RecoveryWaitAndRetry
}

// FaultError is a decoded PNIO-CM Fault response, carrying both the raw
// error triple and the recovery action the static table maps it to
// (spec §4.3, §7: "Fault RPC mapped via §4.3 analysis to recovery
// action, caller sees ConnectionFailed"). Callers that want the
// structured fault for diagnostics (the AR manager's OnDiagnosisAlarm)
// use errors.As; everyone else just sees a pnio.ErrProtocol.
type FaultError struct {
	Info   FaultInfo
	Action RecoveryAction
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("pnio-cm fault: %s (recovery: %s)", e.Info, e.Action)
}

func (e *FaultError) Unwrap() error { return pnio.ErrProtocol }
