package process

import (
	"fmt"
	"runtime"
)

// ResultKind classifies how a supervised process ended.
type ResultKind int

const (
	ResultOk ResultKind = iota
	ResultCancelledByUser
	ResultTimeoutByUser
	ResultErrored
)

func (k ResultKind) String() string {
	switch k {
	case ResultOk:
		return "ok"
	case ResultCancelledByUser:
		return "cancelled"
	case ResultTimeoutByUser:
		return "timeout"
	case ResultErrored:
		return "errored"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the terminal classification of one spawned process.
// It is produced exactly once per process.
type Result struct {
	Kind     ResultKind
	ExitCode int    // Valid for ResultOk
	Message  string // Human readable cause for ResultErrored
}

func (r Result) String() string {
	switch r.Kind {
	case ResultOk:
		return fmt.Sprintf("exited with code %d", r.ExitCode)
	case ResultErrored:
		return "errored: " + r.Message
	default:
		return r.Kind.String()
	}
}

// badExitCodes lists, per GOOS, exit codes that indicate the process crashed
// rather than finished. Codes are compared as unsigned 32-bit values.
var badExitCodes = map[string]map[uint32]string{
	"windows": {
		0xC0000005: "access violation",
		0xC0000017: "out of memory",
		0xC000001D: "illegal instruction",
		0xC0000094: "integer division by zero",
		0xC00000FD: "stack overflow",
		0xC000013A: "terminated by CTRL+C",
		0xC0000374: "heap corruption",
		0xC0000409: "stack buffer overrun",
		0x80000003: "breakpoint reached (abort)",
	},
}

// describeExitCode reports whether code is a known crash code on goos.
func describeExitCode(goos string, code int) (string, bool) {
	table, ok := badExitCodes[goos]
	if !ok {
		return "", false
	}
	desc, ok := table[uint32(code)]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s (exit code 0x%08X)", desc, uint32(code)), true
}

func hostExitCode(code int) (string, bool) {
	return describeExitCode(runtime.GOOS, code)
}
