package orchestrator

import "fmt"

var (
	ErrQueueFull = fmt.Errorf("orchestrator: work queue is full")
	ErrNoVMsRequested = fmt.Errorf("orchestrator: task requested zero vms")
)
