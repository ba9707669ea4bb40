package backend

import (
	"errors"
	"fmt"
)

// ErrKind classifies the failures the library can surface. Callers match
// with errors.Is against the sentinel values below or with KindOf.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindNoBackendAvailable
	KindBackendUnavailable
	KindUnsupportedFeature
	KindInvalidConfig
	KindMissingConfig
	KindUnsupportedGuestOS
	KindStartFailed
	KindNotRunning
	KindAlreadyRunning
	KindConsoleNotEnabled
	KindTimeout
	KindPatternNotFound
	KindHypervisor
	KindPoolEmpty
	KindAgentUnavailable
)

func (k ErrKind) String() string {
	switch k {
	case KindNoBackendAvailable:
		return "no backend available"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindUnsupportedFeature:
		return "unsupported feature"
	case KindInvalidConfig:
		return "invalid config"
	case KindMissingConfig:
		return "missing config"
	case KindUnsupportedGuestOS:
		return "unsupported guest OS"
	case KindStartFailed:
		return "start failed"
	case KindNotRunning:
		return "not running"
	case KindAlreadyRunning:
		return "already running"
	case KindConsoleNotEnabled:
		return "console not enabled"
	case KindTimeout:
		return "timeout"
	case KindPatternNotFound:
		return "pattern not found"
	case KindHypervisor:
		return "hypervisor error"
	case KindPoolEmpty:
		return "pool empty"
	case KindAgentUnavailable:
		return "agent unavailable"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by the library. It carries a
// kind, an optional human-readable detail, and an optional wrapped cause.
type Error struct {
	Kind   ErrKind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) and the
// package-level sentinels both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrNoBackendAvailable = &Error{Kind: KindNoBackendAvailable}
	ErrUnsupportedFeature = &Error{Kind: KindUnsupportedFeature}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrMissingConfig      = &Error{Kind: KindMissingConfig}
	ErrUnsupportedGuestOS = &Error{Kind: KindUnsupportedGuestOS}
	ErrStartFailed        = &Error{Kind: KindStartFailed}
	ErrNotRunning         = &Error{Kind: KindNotRunning}
	ErrAlreadyRunning     = &Error{Kind: KindAlreadyRunning}
	ErrConsoleNotEnabled  = &Error{Kind: KindConsoleNotEnabled}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrPoolEmpty          = &Error{Kind: KindPoolEmpty}
	ErrAgentUnavailable   = &Error{Kind: KindAgentUnavailable}
)

// KindOf extracts the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UnavailableReason distinguishes why a backend cannot be used.
type UnavailableReason int

const (
	UnavailableNotCompiledIn UnavailableReason = iota
	UnavailableBinaryMissing
	UnavailableDeviceNodeAbsent
	UnavailablePermissionDenied
	UnavailableKernelFeatureOff
)

func (r UnavailableReason) String() string {
	switch r {
	case UnavailableNotCompiledIn:
		return "not compiled in"
	case UnavailableBinaryMissing:
		return "binary not on PATH"
	case UnavailableDeviceNodeAbsent:
		return "device node absent"
	case UnavailablePermissionDenied:
		return "permission denied"
	case UnavailableKernelFeatureOff:
		return "feature disabled in host kernel"
	default:
		return "unavailable"
	}
}

// BackendUnavailableError reports that a specific backend cannot run here
// and why.
type BackendUnavailableError struct {
	Name   string
	Reason UnavailableReason
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Name, e.Reason)
}

func (e *BackendUnavailableError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == KindBackendUnavailable
	}
	var b *BackendUnavailableError
	return errors.As(target, &b) && b.Name == e.Name
}

// HypervisorOp identifies which hypervisor interaction failed.
type HypervisorOp int

const (
	OpKvmOpen HypervisorOp = iota
	OpKvmCreateVM
	OpVcpuCreate
	OpVcpuRun
	OpMemoryMap
	OpIrqLine
	OpFrameworkCall
	OpHelperControl
)

func (op HypervisorOp) String() string {
	switch op {
	case OpKvmOpen:
		return "KvmOpen"
	case OpKvmCreateVM:
		return "KvmCreateVM"
	case OpVcpuCreate:
		return "VcpuCreate"
	case OpVcpuRun:
		return "VcpuRun"
	case OpMemoryMap:
		return "MemoryMap"
	case OpIrqLine:
		return "IrqLine"
	case OpFrameworkCall:
		return "FrameworkCall"
	case OpHelperControl:
		return "HelperControl"
	default:
		return "Unknown"
	}
}

// HypervisorError is a structured hypervisor failure: the operation that
// failed, the underlying cause, and a diagnostic hint when one is known
// (e.g. "add your user to the kvm group" on EPERM opening /dev/kvm).
type HypervisorError struct {
	Op    HypervisorOp
	Hint  string
	Cause error
}

func (e *HypervisorError) Error() string {
	msg := fmt.Sprintf("hypervisor %s", e.Op)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *HypervisorError) Unwrap() error { return e.Cause }

func (e *HypervisorError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == KindHypervisor
	}
	var h *HypervisorError
	return errors.As(target, &h) && h.Op == e.Op
}

// PatternNotFoundError reports that a console wait timed out before the
// pattern appeared. The buffered bytes observed so far are preserved so
// callers can log what the guest actually printed.
type PatternNotFoundError struct {
	Pattern  string
	Observed []byte
}

func (e *PatternNotFoundError) Error() string {
	return fmt.Sprintf("pattern %q not found before timeout", e.Pattern)
}

func (e *PatternNotFoundError) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == KindPatternNotFound || t.Kind == KindTimeout
	}
	var p *PatternNotFoundError
	return errors.As(target, &p) && p.Pattern == e.Pattern
}

// Errorf builds an Error of the given kind with a formatted detail.
func Errorf(kind ErrKind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
