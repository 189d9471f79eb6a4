package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Code categorizes a failure per the core's error taxonomy.
type Code string

const (
	CodeNoDevice       Code = "no-device"
	CodeCompile        Code = "compile-error"
	CodeTransfer       Code = "transfer-error"
	CodeContractBreach Code = "contract-violation"
)

// Error is a structured dispatcher error carrying enough context to
// identify which device and compute-id produced it, in the idiom of the
// ublk reference package (Op/Code/Inner, Unwrap/Is support).
type Error struct {
	Op        string
	Code      Code
	Device    string
	ComputeID int
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("kerncore: ")
	if e.Op != "" {
		fmt.Fprintf(&b, "op=%s ", e.Op)
	}
	if e.Device != "" {
		fmt.Fprintf(&b, "device=%s ", e.Device)
	}
	fmt.Fprintf(&b, "code=%s", e.Code)
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

func newError(op string, code Code, device string, computeID int, inner error) *Error {
	msg := ""
	if inner != nil {
		msg = inner.Error()
	}
	return &Error{Op: op, Code: code, Device: device, ComputeID: computeID, Msg: msg, Inner: inner}
}

// errorAccumulator is the dispatcher's "errorCode + allErrors" surface: an
// atomic counter plus a textual log, safe for concurrent fan-out across
// devices (§5: only the dispatcher task mutates this between fan-outs, but
// per-device goroutines append to it directly under a mutex so devices
// don't need to funnel errors back through a channel).
type errorAccumulator struct {
	mu    sync.Mutex
	count atomic.Int64
	lines []string
	inert atomic.Bool
}

func (a *errorAccumulator) record(err error) {
	if err == nil {
		return
	}
	a.count.Add(1)
	a.mu.Lock()
	a.lines = append(a.lines, err.Error())
	a.mu.Unlock()
}

// setInert renders the dispatcher inert: every subsequent Compute call
// returns immediately at the error gate (§7: no-device / compile errors).
func (a *errorAccumulator) setInert() { a.inert.Store(true) }
func (a *errorAccumulator) isInert() bool { return a.inert.Load() }

func (a *errorAccumulator) errorCode() int { return int(a.count.Load()) }

func (a *errorAccumulator) allErrors() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.lines, "\n")
}
