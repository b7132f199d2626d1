//go:build !windows

package perfmon

import "go.uber.org/zap"

// DefaultFacility returns the gopsutil-backed facility. Hosts other than the
// local machine are rejected with ErrRemoteUnsupported.
func DefaultFacility(logger *zap.Logger) Facility {
	return NewLocalFacility(logger)
}
