package ar

import "github.com/mwilco03/pnio-controller/internal/pnio"

// NextCycleCounter atomically advances and returns station's IOCR cycle
// counter for dir, wrapping per the uint16's own arithmetic (spec §4.5).
// The cyclic engine calls this once per tick per AR, immediately before
// sending that AR's output frame, so the counter it stamps into the wire
// frame is always the one just returned here.
func (m *Manager) NextCycleCounter(station string, dir pnio.Direction) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[station]
	if !ok {
		return 0, false
	}
	iocr := e.ar.OutputIOCR
	if dir == pnio.DirectionInput {
		iocr = e.ar.InputIOCR
	}
	if iocr == nil {
		return 0, false
	}
	iocr.CycleCounter++
	return iocr.CycleCounter, true
}

// RecordInputFrame stamps the Input IOCR's LastFrameTimeUs for station,
// called by the receive thread on every inbound cyclic frame it dispatches
// (spec §4.5 "Input cyclic frame ingestion"). It does not touch
// LastActivityMs — callers that also need the watchdog fed call
// RecordActivity separately, since the two fields have different spec
// owners (IOCR-level diagnostics vs. AR-level watchdog).
func (m *Manager) RecordInputFrame(station string, nowUs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[station]
	if !ok || e.ar.InputIOCR == nil {
		return
	}
	e.ar.InputIOCR.LastFrameTimeUs = nowUs
}
