package vmpool

import "fmt"

var (
	ErrVMUnknown      = fmt.Errorf("vmpool: unknown vm name")
	ErrAcquireTimeout = fmt.Errorf("vmpool: acquire timed out waiting for lease")
)
