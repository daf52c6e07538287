package model

import "time"

// Phase is where a pipeline is in its run, as recorded on the VMResult
// it is producing. Mirrors the Pipeline State Machine's phase sequence.
type Phase string

const (
	PhaseQueued       Phase = "queued"
	PhaseAcquired     Phase = "acquired"
	PhaseRestoring    Phase = "restoring"
	PhaseStarting     Phase = "starting"
	PhaseWaitingGuest Phase = "waiting_guest"
	PhaseUploading    Phase = "uploading"
	PhaseDetonating   Phase = "detonating"
	PhaseDwelling     Phase = "dwelling"
	PhaseCollecting   Phase = "collecting"
	PhaseCleanup      Phase = "cleanup"
	PhaseReleased     Phase = "released"
)

// phaseOrder gives the total order the Pipeline State Machine advances
// through. Any failure short-circuits straight to PhaseCleanup.
var phaseOrder = []Phase{
	PhaseQueued, PhaseAcquired, PhaseRestoring, PhaseStarting, PhaseWaitingGuest,
	PhaseUploading, PhaseDetonating, PhaseDwelling, PhaseCollecting, PhaseCleanup, PhaseReleased,
}

func phaseIndex(p Phase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// ValidPhaseTransition reports whether advancing from `from` to `to` is
// allowed: either the next phase in sequence, or an unconditional jump
// to PhaseCleanup (failure short-circuit / cancellation), or Cleanup to
// itself while cleanup work is retried.
func ValidPhaseTransition(from, to Phase) bool {
	if to == PhaseCleanup {
		return from != PhaseReleased
	}
	fromIdx, toIdx := phaseIndex(from), phaseIndex(to)
	if fromIdx < 0 || toIdx < 0 {
		return false
	}
	return toIdx == fromIdx+1
}

// ErrorKind is a stable identifier carried on a VMResult (or rejected
// submission) so API clients can distinguish environmental failure from
// a clean, no-detection result.
type ErrorKind string

const (
	ErrorKindQueueFull          ErrorKind = "QueueFull"
	ErrorKindInvalidSample      ErrorKind = "InvalidSample"
	ErrorKindVMUnknown          ErrorKind = "VMUnknown"
	ErrorKindEnvironmentFailed  ErrorKind = "EnvironmentFailed"
	ErrorKindTransferFailed     ErrorKind = "TransferFailed"
	ErrorKindAuthFailed         ErrorKind = "AuthFailed"
	ErrorKindDetonationFailed   ErrorKind = "DetonationFailed"
	ErrorKindCollectionFailed   ErrorKind = "CollectionFailed"
	ErrorKindAgentUnavailable   ErrorKind = "AgentUnavailable"
	ErrorKindCleanupFailed      ErrorKind = "CleanupFailed"
	ErrorKindCancelled          ErrorKind = "Cancelled"
	ErrorKindInternal           ErrorKind = "Internal"
)

// VMResult is one VM's contribution to a Task. Mutated only by the
// pipeline that owns it.
type VMResult struct {
	VMName             string     `json:"vm_name"`
	AgentKind          AgentKind  `json:"agent_kind"`
	Phase              Phase      `json:"phase"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	SampleDeletedByAgent bool     `json:"sample_deleted_by_agent"`
	Alerts             []Alert    `json:"alerts"`
	Events             []Event    `json:"events"`
	ErrorKind          ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
}

// Severity orders Alert severities for sorting/summary purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a closed structure for a threat signal raised by a security
// agent, with a rawFields escape hatch for product-specific data.
type Alert struct {
	AlertID    string         `json:"alert_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Severity   Severity       `json:"severity"`
	Kind       string         `json:"kind"`
	ThreatName string         `json:"threat_name,omitempty"`
	FileHint   string         `json:"file_hint,omitempty"`
	RawFields  map[string]any `json:"raw_fields,omitempty"`
}

// EventType enumerates the behavioral monitor's closed vocabulary.
type EventType string

const (
	EventProcessCreate       EventType = "processCreate"
	EventProcessExit         EventType = "processExit"
	EventRemoteThread        EventType = "remoteThread"
	EventProcessAccess       EventType = "processAccess"
	EventProcessTampering    EventType = "processTampering"
	EventFileCreate          EventType = "fileCreate"
	EventFileDelete          EventType = "fileDelete"
	EventFileStreamCreate    EventType = "fileStreamCreate"
	EventFileCreateTimeChange EventType = "fileCreateTimeChange"
	EventFileBlockExec       EventType = "fileBlockExec"
	EventFileBlockShred      EventType = "fileBlockShred"
	EventRegKeyChange        EventType = "regKeyChange"
	EventRegValueSet         EventType = "regValueSet"
	EventRegRename           EventType = "regRename"
	EventNetConnect          EventType = "netConnect"
	EventDNSQuery            EventType = "dnsQuery"
	EventDriverLoad          EventType = "driverLoad"
	EventImageLoad           EventType = "imageLoad"
	EventRawRead             EventType = "rawRead"
	EventServiceConfigChange EventType = "serviceConfigChange"
	EventPipeCreate          EventType = "pipeCreate"
	EventPipeConnect         EventType = "pipeConnect"
	EventWMIFilter           EventType = "wmiFilter"
	EventWMIConsumer         EventType = "wmiConsumer"
	EventWMIBinding          EventType = "wmiBinding"
	EventClipboardChange     EventType = "clipboardChange"
	EventSvcStateChange      EventType = "svcStateChange"
	EventOther               EventType = "other"
)

// Event is a closed structure for one behavioral observation, with a
// rawFields escape hatch for monitor-specific data.
type Event struct {
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	PID         *uint32        `json:"pid,omitempty"`
	PPID        *uint32        `json:"ppid,omitempty"`
	Image       string         `json:"image,omitempty"`
	CommandLine string         `json:"command_line,omitempty"`
	Targets     []string       `json:"targets,omitempty"`
	RawFields   map[string]any `json:"raw_fields,omitempty"`
}

// InWindow reports whether t falls within [start-grace, end+grace],
// the invariant every Alert/Event timestamp must satisfy.
func InWindow(t, start, end time.Time, grace time.Duration) bool {
	return !t.Before(start.Add(-grace)) && !t.After(end.Add(grace))
}
