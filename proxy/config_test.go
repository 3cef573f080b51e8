package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"Applications": [
			{
				"DockerContainerName": "game-server",
				"ListenPort": 25565,
				"TargetPort": 25566,
				"Protocol": "TCP",
				"InactiveAfter": "00:15:00",
				"InactiveAction": "Stop",
				"UnknownField": "ignored"
			}
		]
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Applications) != 1 {
		t.Fatalf("got %d applications, want 1", len(cfg.Applications))
	}
	a := cfg.Applications[0]

	if a.Protocol != ProtocolTCP {
		t.Errorf("Protocol = %q, want tcp (case-insensitive)", a.Protocol)
	}
	if a.InactiveAction != ActionStop {
		t.Errorf("InactiveAction = %q, want stop (case-insensitive)", a.InactiveAction)
	}
	if a.InactiveAfter.Std() != 15*time.Minute {
		t.Errorf("InactiveAfter = %v, want 15m", a.InactiveAfter.Std())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"Applications": [
			{"DockerContainerName": "svc", "ListenPort": 8000, "TargetPort": 8001}
		]
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	a := cfg.Applications[0]

	if !a.GroupEnabled() {
		t.Error("ApplyToComposeGroup should default to true")
	}
	if a.Protocol != ProtocolTCP {
		t.Errorf("Protocol = %q, want tcp", a.Protocol)
	}
	if a.TargetAddress != "127.0.0.1" {
		t.Errorf("TargetAddress = %q, want 127.0.0.1", a.TargetAddress)
	}
	if a.InactiveAfter.Std() != 10*time.Minute {
		t.Errorf("InactiveAfter = %v, want 10m", a.InactiveAfter.Std())
	}
	if a.CheckInterval.Std() != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", a.CheckInterval.Std())
	}
	if a.InactiveAction != ActionPause {
		t.Errorf("InactiveAction = %q, want pause", a.InactiveAction)
	}
	if a.StartupDelay.Std() != time.Second {
		t.Errorf("StartupDelay = %v, want 1s", a.StartupDelay.Std())
	}
	if a.HealthcheckEnabled {
		t.Error("HealthcheckEnabled should default to false")
	}
	if a.HealthcheckInterval.Std() != time.Second {
		t.Errorf("HealthcheckInterval = %v, want 1s", a.HealthcheckInterval.Std())
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
Applications:
  - DockerContainerName: svc
    Protocol: udp
    ListenPort: 5353
    TargetPort: 5354
    ApplyToComposeGroup: false
    InactiveAfter: 90s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	a := cfg.Applications[0]
	if a.Protocol != ProtocolUDP {
		t.Errorf("Protocol = %q, want udp", a.Protocol)
	}
	if a.GroupEnabled() {
		t.Error("ApplyToComposeGroup = true, want false")
	}
	if a.InactiveAfter.Std() != 90*time.Second {
		t.Errorf("InactiveAfter = %v, want 90s", a.InactiveAfter.Std())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing container name",
			`{"Applications": [{"ListenPort": 1, "TargetPort": 2}]}`,
			"DockerContainerName",
		},
		{
			"missing listen port",
			`{"Applications": [{"DockerContainerName": "a", "TargetPort": 2}]}`,
			"ListenPort",
		},
		{
			"missing target port",
			`{"Applications": [{"DockerContainerName": "a", "ListenPort": 1}]}`,
			"TargetPort",
		},
		{
			"unknown protocol",
			`{"Applications": [{"DockerContainerName": "a", "ListenPort": 1, "TargetPort": 2, "Protocol": "sctp"}]}`,
			"protocol",
		},
		{
			"unknown action",
			`{"Applications": [{"DockerContainerName": "a", "ListenPort": 1, "TargetPort": 2, "InactiveAction": "hibernate"}]}`,
			"inactive action",
		},
		{
			"duplicate listener",
			`{"Applications": [
				{"DockerContainerName": "a", "ListenPort": 1, "TargetPort": 2},
				{"DockerContainerName": "b", "ListenPort": 1, "TargetPort": 3}
			]}`,
			"duplicate listener",
		},
		{
			"no applications",
			`{"Applications": []}`,
			"no applications",
		},
		{
			"invalid suspend schedule",
			`{"Applications": [{"DockerContainerName": "a", "ListenPort": 1, "TargetPort": 2, "SuspendSchedule": "not cron"}]}`,
			"SuspendSchedule",
		},
		{
			"malformed document",
			`{"Applications": `,
			"cannot parse",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tc.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("LoadConfig succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Fatal("LoadConfig succeeded, want error")
		}
	})
}

func TestAppConfigName(t *testing.T) {
	a := &AppConfig{ContainerName: "svc", ListenPort: 9000}
	if got := a.Name(); got != "svc:9000" {
		t.Errorf("Name = %q, want svc:9000", got)
	}
}
