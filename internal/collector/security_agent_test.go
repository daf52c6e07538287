package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/model"
)

type fakeGuestReader struct {
	exists    bool
	existsErr error
	lines     []string
	readErr   error
}

func (f *fakeGuestReader) GuestPathExists(ctx context.Context, vm, path, user, password string, deadline time.Time) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeGuestReader) GuestReadText(ctx context.Context, vm, path, user, password string, deadline time.Time) ([]string, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.lines, nil
}

func TestSecurityAgentCollectorNoLogIsEmptyNotError(t *testing.T) {
	reader := &fakeGuestReader{exists: false}
	c := NewSecurityAgentCollector(reader, `C:\q.log`, "analyst", "pw", time.Second)

	result, err := c.Collect(context.Background(), VMContext{VM: model.VMSpec{VMName: "vm1"}}, Window{
		Start: time.Now().Add(-time.Minute), End: time.Now(), Grace: time.Second,
	})
	require.NoError(t, err)
	require.Empty(t, result.Alerts)
	require.Empty(t, result.ErrorKind)
}

func TestSecurityAgentCollectorParsesAndFiltersByWindow(t *testing.T) {
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	inWindow := start.Add(30 * time.Second).Format(time.RFC3339)
	outOfWindow := start.Add(-time.Hour).Format(time.RFC3339)

	reader := &fakeGuestReader{
		exists: true,
		lines: []string{
			fmt.Sprintf("%s|high|Trojan.Generic", inWindow),
			fmt.Sprintf("%s|critical|Backdoor.X", outOfWindow),
			"not-a-valid-line",
		},
	}
	c := NewSecurityAgentCollector(reader, `C:\q.log`, "analyst", "pw", time.Second)

	result, err := c.Collect(context.Background(), VMContext{VM: model.VMSpec{VMName: "vm1"}, SampleName: "sample.exe"}, Window{
		Start: start, End: start.Add(time.Minute), Grace: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	require.Equal(t, model.SeverityHigh, result.Alerts[0].Severity)
	require.Equal(t, "Trojan.Generic", result.Alerts[0].ThreatName)
	require.Equal(t, "sample.exe", result.Alerts[0].FileHint)
}

func TestSecurityAgentCollectorReportsAgentUnavailable(t *testing.T) {
	reader := &fakeGuestReader{exists: true, readErr: fmt.Errorf("guest unreachable")}
	c := NewSecurityAgentCollector(reader, `C:\q.log`, "analyst", "pw", time.Second)

	result, err := c.Collect(context.Background(), VMContext{VM: model.VMSpec{VMName: "vm1"}}, Window{
		Start: time.Now().Add(-time.Minute), End: time.Now(), Grace: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, model.ErrorKindAgentUnavailable, result.ErrorKind)
}

func TestRegistryUnknownAgentKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.For(model.AgentDefender)
	require.ErrorIs(t, err, ErrNoCollectorForAgent)
}
