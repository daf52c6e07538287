package vmctl

import "fmt"

var (
	ErrSnapshotRestoreFailed = fmt.Errorf("vmctl: snapshot restore failed")
	ErrPowerOnFailed         = fmt.Errorf("vmctl: power on failed")
	ErrGuestNotReady         = fmt.Errorf("vmctl: guest not ready")
	ErrTransferFailed        = fmt.Errorf("vmctl: guest file transfer failed")
	ErrAuthFailed            = fmt.Errorf("vmctl: guest credentials rejected")
	ErrCleanupFailed         = fmt.Errorf("vmctl: could not return VM to powered-off state")
	ErrCLIInvocation         = fmt.Errorf("vmctl: virtualization CLI invocation failed")
	ErrCLITimeout            = fmt.Errorf("vmctl: virtualization CLI invocation timed out")
)
