package store

import "fmt"

var (
	ErrTaskUnknown          = fmt.Errorf("store: unknown task id")
	ErrInvalidStatusTransition = fmt.Errorf("store: invalid status transition")
)
