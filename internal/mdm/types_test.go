package mdm

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCommandAction(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want Action
	}{
		{"lock", Command{ID: "1", CommandType: "lock"}, Lock{}},
		{"shutdown", Command{ID: "1", CommandType: "shutdown"}, Shutdown{}},
		{"restart", Command{ID: "1", CommandType: "restart"}, Restart{}},
		{"custom", Command{ID: "1", CommandType: "custom", Command: "uptime"}, Custom{Command: "uptime"}},
		{"custom without command", Command{ID: "1", CommandType: "custom"}, Custom{}},
		{"unlock is unknown", Command{ID: "1", CommandType: "unlock"}, Unknown{Type: "unlock"}},
		{"case sensitive", Command{ID: "1", CommandType: "LOCK"}, Unknown{Type: "LOCK"}},
		{"padded type is unknown", Command{ID: "1", CommandType: " lock "}, Unknown{Type: " lock "}},
		{"trailing newline is unknown", Command{ID: "1", CommandType: "shutdown\n"}, Unknown{Type: "shutdown\n"}},
		{"empty", Command{ID: "1"}, Unknown{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Action(); got != tt.want {
				t.Errorf("Action() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii", "hello world", 5, "hello"},
		{"multibyte", "héllo wörld", 7, "héllo w"},
		{"empty", "", 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.limit); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.limit, got, tt.want)
			}
		})
	}
}

func TestResultOutputIsBounded(t *testing.T) {
	long := strings.Repeat("x", 1500)

	for _, r := range []CommandResult{Completed(long), Failed(long)} {
		if n := utf8.RuneCountInString(r.Output); n != MaxOutputLength {
			t.Errorf("output length = %d, want %d", n, MaxOutputLength)
		}
		if r.Output != long[:MaxOutputLength] {
			t.Error("output is not a prefix of the input")
		}
	}
}

func TestHeartbeatBatteryIsNullable(t *testing.T) {
	data, err := json.Marshal(NewHeartbeat(DeviceInfo{IPAddress: "10.0.0.2"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"batteryLevel":null,"status":"online","ipAddress":"10.0.0.2","isCharging":false}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	level, charging := 80, true
	hb := NewHeartbeat(DeviceInfo{BatteryLevel: &level, IsCharging: &charging})
	if hb.BatteryLevel == nil || *hb.BatteryLevel != 80 || !hb.IsCharging {
		t.Errorf("NewHeartbeat() = %+v, want battery 80 charging", hb)
	}
}

func TestEnrollRequestFlattensDeviceInfo(t *testing.T) {
	req := EnrollRequest{
		DeviceInfo:    DeviceInfo{DeviceID: "dev-1", Platform: "Linux"},
		EnrollmentKey: "key",
		AgentVersion:  "1.0.0",
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"deviceId", "platform", "enrollmentKey", "agentVersion", "agentInstallPath"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("enroll body missing %q: %s", key, data)
		}
	}
	if _, ok := fields["batteryLevel"]; ok {
		t.Errorf("unknown battery level should be omitted: %s", data)
	}
}
