package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullsector/detonator/internal/model"
)

const sampleYAML = `
server:
  port: 9090
  upload_dir: /var/lib/detonator/uploads
  max_file_size: 1048576
  api_key: test-key
  cli_path: /usr/bin/VBoxManage
vms:
  - name: beh
    role: behavioral
    agent: behavioral-monitor
    user: analyst
    password: changeit
    baseline_snapshot: clean
    desktop_path: C:\Users\analyst\Desktop
  - name: def
    role: security-agent
    agent: defender
    user: analyst
    password: changeit
    baseline_snapshot: clean
    desktop_path: C:\Users\analyst\Desktop
analysis:
  vm_startup_timeout: 90s
  detonation_dwell: 5s
  monitoring_window: 45s
  max_concurrent_tasks: 4
  queue_size: 50
  gui_mode: false
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaultsAndParsesVMs(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.VMs, 2)
	require.Equal(t, "beh", cfg.VMs[0].VMName)
	require.False(t, cfg.Analysis.GUIMode)
	require.Equal(t, DefaultDetonationGrace, cfg.Analysis.DetonationGrace())
}

const duplicateVMYAML = `
server:
  port: 9090
vms:
  - name: beh
    role: behavioral
    agent: behavioral-monitor
  - name: beh
    role: behavioral
    agent: behavioral-monitor
analysis:
  max_concurrent_tasks: 4
  queue_size: 50
`

func TestLoadRejectsDuplicateVMNames(t *testing.T) {
	path := writeTempConfig(t, duplicateVMYAML)

	_, err := Load(path)
	require.Error(t, err)
}

func TestFindVM(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	vm, ok := cfg.FindVM("def")
	require.True(t, ok)
	require.Equal(t, model.AgentDefender, vm.AgentKind)

	_, ok = cfg.FindVM("missing")
	require.False(t, ok)
}
