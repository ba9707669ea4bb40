package capsa

import (
	"fmt"

	"github.com/luizribeiro/capsa/internal/backend"
)

// The error taxonomy lives next to the backend implementations so they can
// produce structured errors directly; these aliases are the public surface.

// ErrKind classifies the failures the library can surface. Callers match
// with errors.Is against the sentinel values below or with KindOf.
type ErrKind = backend.ErrKind

const (
	KindUnknown            = backend.KindUnknown
	KindNoBackendAvailable = backend.KindNoBackendAvailable
	KindBackendUnavailable = backend.KindBackendUnavailable
	KindUnsupportedFeature = backend.KindUnsupportedFeature
	KindInvalidConfig      = backend.KindInvalidConfig
	KindMissingConfig      = backend.KindMissingConfig
	KindUnsupportedGuestOS = backend.KindUnsupportedGuestOS
	KindStartFailed        = backend.KindStartFailed
	KindNotRunning         = backend.KindNotRunning
	KindAlreadyRunning     = backend.KindAlreadyRunning
	KindConsoleNotEnabled  = backend.KindConsoleNotEnabled
	KindTimeout            = backend.KindTimeout
	KindPatternNotFound    = backend.KindPatternNotFound
	KindHypervisor         = backend.KindHypervisor
	KindPoolEmpty          = backend.KindPoolEmpty
	KindAgentUnavailable   = backend.KindAgentUnavailable
)

// Error is the concrete error type returned by the library.
type Error = backend.Error

// BackendUnavailableError reports that a specific backend cannot run here
// and why.
type BackendUnavailableError = backend.BackendUnavailableError

// UnavailableReason distinguishes why a backend cannot be used.
type UnavailableReason = backend.UnavailableReason

const (
	UnavailableNotCompiledIn    = backend.UnavailableNotCompiledIn
	UnavailableBinaryMissing    = backend.UnavailableBinaryMissing
	UnavailableDeviceNodeAbsent = backend.UnavailableDeviceNodeAbsent
	UnavailablePermissionDenied = backend.UnavailablePermissionDenied
	UnavailableKernelFeatureOff = backend.UnavailableKernelFeatureOff
)

// HypervisorError is a structured hypervisor failure.
type HypervisorError = backend.HypervisorError

// HypervisorOp identifies which hypervisor interaction failed.
type HypervisorOp = backend.HypervisorOp

const (
	OpKvmOpen       = backend.OpKvmOpen
	OpKvmCreateVM   = backend.OpKvmCreateVM
	OpVcpuCreate    = backend.OpVcpuCreate
	OpVcpuRun       = backend.OpVcpuRun
	OpMemoryMap     = backend.OpMemoryMap
	OpIrqLine       = backend.OpIrqLine
	OpFrameworkCall = backend.OpFrameworkCall
	OpHelperControl = backend.OpHelperControl
)

// PatternNotFoundError reports that a console wait timed out before the
// pattern appeared.
type PatternNotFoundError = backend.PatternNotFoundError

// Sentinels for errors.Is matching.
var (
	ErrNoBackendAvailable = backend.ErrNoBackendAvailable
	ErrUnsupportedFeature = backend.ErrUnsupportedFeature
	ErrInvalidConfig      = backend.ErrInvalidConfig
	ErrMissingConfig      = backend.ErrMissingConfig
	ErrUnsupportedGuestOS = backend.ErrUnsupportedGuestOS
	ErrStartFailed        = backend.ErrStartFailed
	ErrNotRunning         = backend.ErrNotRunning
	ErrAlreadyRunning     = backend.ErrAlreadyRunning
	ErrConsoleNotEnabled  = backend.ErrConsoleNotEnabled
	ErrTimeout            = backend.ErrTimeout
	ErrPoolEmpty          = backend.ErrPoolEmpty
	ErrAgentUnavailable   = backend.ErrAgentUnavailable
)

// KindOf extracts the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) ErrKind { return backend.KindOf(err) }

func invalidConfigf(format string, args ...any) error {
	return &Error{Kind: KindInvalidConfig, Detail: fmt.Sprintf(format, args...)}
}

func unsupportedf(format string, args ...any) error {
	return &Error{Kind: KindUnsupportedFeature, Detail: fmt.Sprintf(format, args...)}
}
