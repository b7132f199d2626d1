//go:build windows

package perfmon

import "go.uber.org/zap"

// DefaultFacility returns the PDH facility, which can also read remote hosts.
func DefaultFacility(_ *zap.Logger) Facility {
	return NewPDHFacility()
}
