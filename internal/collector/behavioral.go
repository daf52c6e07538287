package collector

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nullsector/detonator/internal/model"
)

// BehavioralCollector reads the host-level event monitor's exported
// channel, one pipe-delimited record per line:
//
//	<RFC3339 timestamp>|<numeric event id>|<pid>|<ppid>|<image>|<commandLine>
//
// and maps the numeric event id to one of the 28 closed EventType
// values using the VMSpec's EventIDMap. It never returns alerts.
type BehavioralCollector struct {
	reader          GuestReader
	eventIDMap      map[int]model.EventType
	logPath         string
	user            string
	password        string
	collectDeadline time.Duration
}

func NewBehavioralCollector(reader GuestReader, logPath string, eventIDMap map[int]model.EventType, user, password string, collectDeadline time.Duration) *BehavioralCollector {
	return &BehavioralCollector{
		reader:          reader,
		eventIDMap:      eventIDMap,
		logPath:         logPath,
		user:            user,
		password:        password,
		collectDeadline: collectDeadline,
	}
}

func (c *BehavioralCollector) Collect(ctx context.Context, vmCtx VMContext, window Window) (Result, error) {
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

	var events []model.Event
	for _, line := range lines {
		event, ok := c.parseEventLine(line)
		if !ok {
			continue
		}
		if !model.InWindow(event.Timestamp, window.Start, window.End, window.Grace) {
			continue
		}
		events = append(events, event)
	}
	return Result{Events: events}, nil
}

func (c *BehavioralCollector) parseEventLine(line string) (model.Event, bool) {
	fields := strings.SplitN(line, "|", 6)
	if len(fields) != 6 {
		return model.Event{}, false
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return model.Event{}, false
	}
	rawID, err := strconv.Atoi(fields[1])
	if err != nil {
		return model.Event{}, false
	}

	eventType, known := c.eventIDMap[rawID]
	if !known {
		eventType = model.EventOther
	}

	event := model.Event{
		EventType:   eventType,
		Timestamp:   ts,
		Image:       fields[4],
		CommandLine: fields[5],
		RawFields:   map[string]any{"raw_event_id": rawID},
	}
	if pid, err := strconv.ParseUint(fields[2], 10, 32); err == nil {
		p := uint32(pid)
		event.PID = &p
	}
	if ppid, err := strconv.ParseUint(fields[3], 10, 32); err == nil {
		p := uint32(ppid)
		event.PPID = &p
	}
	return event, true
}
