package model

// Role identifies what a VM in the pool is for.
type Role string

const (
	RoleBehavioral   Role = "behavioral"
	RoleSecurityAgent Role = "security-agent"
)

// AgentKind identifies which product (or the behavioral monitor) is
// installed in a VM, and therefore which Collector handles it.
type AgentKind string

const (
	AgentDefender    AgentKind = "defender"
	AgentKaspersky   AgentKind = "kaspersky"
	AgentMcAfee      AgentKind = "mcafee"
	AgentAvira       AgentKind = "avira"
	AgentTrend       AgentKind = "trend"
	AgentBehavioral  AgentKind = "behavioral-monitor"
)

// VMSpec is the config-derived, immutable description of one VM in the
// fixed pool. It never changes after the process loads its Config.
type VMSpec struct {
	VMName               string    `json:"vm_name" mapstructure:"name"`
	Role                 Role      `json:"role" mapstructure:"role"`
	AgentKind            AgentKind `json:"agent_kind" mapstructure:"agent"`
	GuestUser            string    `json:"guest_user" mapstructure:"user"`
	GuestPassword        string    `json:"-" mapstructure:"password"`
	BaselineSnapshotName string    `json:"baseline_snapshot_name" mapstructure:"baseline_snapshot"`
	GuestDesktopPath     string    `json:"guest_desktop_path" mapstructure:"desktop_path"`

	// AgentLogPath is the guest-local path the agent's Collector reads:
	// a quarantine/alert log for a security-agent VM, an exported event
	// channel dump for a behavioral-monitor VM.
	AgentLogPath string `json:"agent_log_path" mapstructure:"agent_log_path"`

	// EventIDMap maps the behavioral monitor's own numeric event-id to
	// one of the closed EventType values (spec.md §3); only meaningful
	// when AgentKind is AgentBehavioral. An id with no entry here is
	// reported as EventOther with the raw id preserved in rawFields.
	EventIDMap map[int]EventType `json:"-" mapstructure:"event_id_map"`
}
