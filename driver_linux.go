//go:build linux

package asyncio

import "github.com/nyx-io/asyncio/internal/rlog"

// newPlatformDriver resolves DriverAuto to io_uring, falling back to the
// readiness adapter when ring setup fails (old kernel, seccomp, container
// sandbox without io_uring_setup permitted).
func newPlatformDriver(kind DriverKind, cfg DriverConfig) (Driver, error) {
	switch kind {
	case DriverIOURing:
		return newIOURingDriver(cfg)
	case DriverReadiness:
		return newReadinessDriver(cfg)
	case DriverIOCP:
		return nil, NewError("NewDriver", CodeBackendUnavailable, "IOCP backend is Windows-only")
	case DriverAuto:
		d, err := newIOURingDriver(cfg)
		if err == nil {
			return d, nil
		}
		rlog.Default().Warn("io_uring unavailable, falling back to readiness adapter", "error", err)
		return newReadinessDriver(cfg)
	default:
		return nil, NewError("NewDriver", CodeInvalidSubmission, "unknown driver kind")
	}
}
