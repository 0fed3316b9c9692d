// Package bootrecovery implements the stage-2 loader's error ledger (C4): a
// closed code space, per-code occurrence counters, and pluggable retry
// handlers. It is grounded on the teacher's sentinel-error convention
// (package-level errors wrapped with fmt.Errorf's %w) generalized into a
// structured record, since the loader runs pre-MMU with no unwinder to
// report a Go error chain to.
package bootrecovery

import "fmt"

// Code is a closed error-code space grouped by subsystem, mirroring the
// ranges the original C loader reserved: generic (1-10), hardware (11-20),
// virtio (21-30), elf (31-40), memory (41-50), disk (51-60), boot
// sequencing (61-70), system-fatal (71+).
type Code uint32

const (
	CodeUnknown         Code = 1
	CodeInvalidArgument Code = 2
	CodeNotImplemented  Code = 3

	CodeHardwareNotFound Code = 11
	CodeHardwareTimeout  Code = 12
	CodeHardwareBadState Code = 13

	CodeVirtioNoDevice                 Code = 21
	CodeVirtioBadMagic                 Code = 22
	CodeVirtioBadVersion               Code = 23
	CodeVirtioFeatureNegotiationFailed Code = 24
	CodeVirtioQueueTooSmall            Code = 25
	CodeVirtioDescExhausted            Code = 26
	CodeVirtioIOTimeout                Code = 27
	CodeVirtioIOError                  Code = 28
	CodeVirtioQueueFull                Code = 29

	CodeElfBadMagic           Code = 31
	CodeElfBadMachine         Code = 32
	CodeElfInvalidPhnum       Code = 33
	CodeElfSegmentOutOfBounds Code = 34
	CodeElfNoLoadSegments     Code = 35

	CodeMemoryZoneOverlap    Code = 41
	CodeMemoryOutOfBounds    Code = 42
	CodeMemoryArenaExhausted Code = 43

	CodeDiskReadFailed Code = 51
	CodeDiskBadSector  Code = 52
	CodeDiskTimeout    Code = 53

	CodeBootOutOfOrder       Code = 61
	CodeBootAlreadyFinalized Code = 62

	CodeSystemHalt      Code = 71
	CodeCriticalFailure Code = 72
)

var codeNames = map[Code]string{
	CodeUnknown:         "unknown",
	CodeInvalidArgument: "invalid-argument",
	CodeNotImplemented:  "not-implemented",

	CodeHardwareNotFound: "hardware-not-found",
	CodeHardwareTimeout:  "hardware-timeout",
	CodeHardwareBadState: "hardware-bad-state",

	CodeVirtioNoDevice:                 "virtio-no-device",
	CodeVirtioBadMagic:                 "virtio-bad-magic",
	CodeVirtioBadVersion:               "virtio-bad-version",
	CodeVirtioFeatureNegotiationFailed: "virtio-feature-negotiation-failed",
	CodeVirtioQueueTooSmall:            "virtio-queue-too-small",
	CodeVirtioDescExhausted:            "virtio-desc-exhausted",
	CodeVirtioIOTimeout:                "virtio-io-timeout",
	CodeVirtioIOError:                  "virtio-io-error",
	CodeVirtioQueueFull:                "virtio-queue-full",

	CodeElfBadMagic:           "elf-bad-magic",
	CodeElfBadMachine:         "elf-bad-machine",
	CodeElfInvalidPhnum:       "elf-invalid-phnum",
	CodeElfSegmentOutOfBounds: "elf-segment-out-of-bounds",
	CodeElfNoLoadSegments:     "elf-no-load-segments",

	CodeMemoryZoneOverlap:    "memory-zone-overlap",
	CodeMemoryOutOfBounds:    "memory-out-of-bounds",
	CodeMemoryArenaExhausted: "memory-arena-exhausted",

	CodeDiskReadFailed: "disk-read-failed",
	CodeDiskBadSector:  "disk-bad-sector",
	CodeDiskTimeout:    "disk-timeout",

	CodeBootOutOfOrder:       "boot-out-of-order",
	CodeBootAlreadyFinalized: "boot-already-finalized",

	CodeSystemHalt:      "system-halt",
	CodeCriticalFailure: "critical-failure",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Error is a single recorded fault: the code, a human-readable message, the
// function and line that raised it, and up to four uint64 context values
// (register contents, addresses, sector numbers — whatever the raiser found
// useful), mirroring the original loader's fixed-size error record.
type Error struct {
	Code     Code
	Message  string
	Function string
	Line     int
	Context  [4]uint64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s:%d: %s", e.Code, e.Function, e.Line, e.Message)
}

// New constructs an Error. Context values beyond what's supplied are
// zero-filled.
func New(code Code, function string, line int, message string, context ...uint64) *Error {
	e := &Error{Code: code, Message: message, Function: function, Line: line}
	for i := 0; i < len(context) && i < len(e.Context); i++ {
		e.Context[i] = context[i]
	}
	return e
}
