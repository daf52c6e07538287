package collector

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nullsector/detonator/internal/model"
)

// GuestReader is the subset of the Guest Command Layer a Collector
// drives to pull an agent's on-disk telemetry out of the guest.
type GuestReader interface {
	GuestPathExists(ctx context.Context, vm, path, user, password string, deadline time.Time) (bool, error)
	GuestReadText(ctx context.Context, vm, path, user, password string, deadline time.Time) ([]string, error)
}

// SecurityAgentCollector reads a security product's quarantine/alert
// log, one pipe-delimited record per line:
//
//	<RFC3339 timestamp>|<severity>|<threatName>
//
// This is the common shape across the endpoint products named in
// spec.md §3's agentKind enum; a product whose log format differs gets
// its own Collector implementing the same interface.
type SecurityAgentCollector struct {
	reader     GuestReader
	logPath    string
	user       string
	password   string
	collectDeadline time.Duration
}

func NewSecurityAgentCollector(reader GuestReader, logPath, user, password string, collectDeadline time.Duration) *SecurityAgentCollector {
	return &SecurityAgentCollector{
		reader:          reader,
		logPath:         logPath,
		user:            user,
		password:        password,
		collectDeadline: collectDeadline,
	}
}

func (c *SecurityAgentCollector) Collect(ctx context.Context, vmCtx VMContext, window Window) (Result, error) {
	deadline := time.Now().Add(c.collectDeadline)

	exists, err := c.reader.GuestPathExists(ctx, vmCtx.VM.VMName, c.logPath, c.user, c.password, deadline)
	if err != nil {
		return Result{ErrorKind: model.ErrorKindAgentUnavailable}, nil
	}
	if !exists {
		return Result{}, nil
	}

	lines, err := c.reader.GuestReadText(ctx, vmCtx.VM.VMName, c.logPath, c.user, c.password, deadline)
	if err != nil {
		return Result{ErrorKind: model.ErrorKindAgentUnavailable}, nil
	}

	var alerts []model.Alert
	for i, line := range lines {
		alert, ok := parseAlertLine(line, vmCtx.SampleName)
		if !ok {
			continue
		}
		if !model.InWindow(alert.Timestamp, window.Start, window.End, window.Grace) {
			continue
		}
		alert.AlertID = vmCtx.VM.VMName + "-" + strconv.Itoa(i)
		alerts = append(alerts, alert)
	}
	return Result{Alerts: alerts}, nil
}

func parseAlertLine(line, sampleHint string) (model.Alert, bool) {
	fields := strings.SplitN(line, "|", 3)
	if len(fields) != 3 {
		return model.Alert{}, false
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return model.Alert{}, false
	}
	return model.Alert{
		Timestamp:  ts,
		Severity:   normalizeSeverity(fields[1]),
		Kind:       "quarantine",
		ThreatName: fields[2],
		FileHint:   sampleHint,
	}, true
}

func normalizeSeverity(raw string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return model.SeverityCritical
	case "high", "threat":
		return model.SeverityHigh
	case "medium", "suspicious":
		return model.SeverityMedium
	case "low", "pup":
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}
