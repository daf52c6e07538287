// Package ids generates the identifiers used for Tasks, Samples, and
// pipeline runs, matching the teacher's own short-uuid convention.
package ids

import "github.com/google/uuid"

func NewTaskID() string {
	return "task-" + uuid.New().String()[:8]
}

func NewSampleID() string {
	return "sample-" + uuid.New().String()[:8]
}

func NewPipelineID() string {
	return "pipe-" + uuid.New().String()[:8]
}
