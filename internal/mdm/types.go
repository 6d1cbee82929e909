// Package mdm defines the wire types exchanged between the agent and the MDM server.
package mdm

// MaxOutputLength is the maximum number of characters kept in a CommandResult output.
const MaxOutputLength = 1000

// Command types understood by the agent.
const (
	TypeLock     = "lock"
	TypeShutdown = "shutdown"
	TypeRestart  = "restart"
	TypeCustom   = "custom"
)

// Result statuses reported back to the server.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DeviceInfo is a point-in-time snapshot of the device. It is collected fresh
// for every enrollment and heartbeat and never cached.
type DeviceInfo struct {
	BatteryLevel *int   `json:"batteryLevel,omitempty"`
	IsCharging   *bool  `json:"isCharging,omitempty"`
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Hostname     string `json:"hostname"`
	OSVersion    string `json:"osVersion"`
	Architecture string `json:"architecture"`
	Platform     string `json:"platform"`
	IPAddress    string `json:"ipAddress"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Model        string `json:"model,omitempty"`
}

// EnrollRequest is the body of POST /mdm/enroll.
type EnrollRequest struct {
	DeviceInfo

	EnrollmentKey    string `json:"enrollmentKey"`
	AgentVersion     string `json:"agentVersion"`
	AgentInstallPath string `json:"agentInstallPath"`
}

// Heartbeat is the body of POST /mdm/devices/{id}/heartbeat.
type Heartbeat struct {
	BatteryLevel *int   `json:"batteryLevel"`
	Status       string `json:"status"`
	IPAddress    string `json:"ipAddress"`
	IsCharging   bool   `json:"isCharging"`
}

// NewHeartbeat builds an "online" heartbeat from a device snapshot.
func NewHeartbeat(info DeviceInfo) Heartbeat {
	hb := Heartbeat{
		Status:       "online",
		IPAddress:    info.IPAddress,
		BatteryLevel: info.BatteryLevel,
	}
	if info.IsCharging != nil {
		hb.IsCharging = *info.IsCharging
	}
	return hb
}

// Command is a server-issued instruction. Commands are never persisted locally.
type Command struct {
	ID          string `json:"id"`
	CommandType string `json:"commandType"`
	Command     string `json:"command,omitempty"`
}

// CommandResult is the body of PUT /mdm/commands/{id}/status.
type CommandResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

// Completed returns a successful result with output truncated to MaxOutputLength.
func Completed(output string) CommandResult {
	return CommandResult{Status: StatusCompleted, Output: Truncate(output, MaxOutputLength)}
}

// Failed returns a failed result with output truncated to MaxOutputLength.
func Failed(output string) CommandResult {
	return CommandResult{Status: StatusFailed, Output: Truncate(output, MaxOutputLength)}
}

// Truncate returns the first limit characters of s. Invalid UTF-8 bytes count
// as one character each.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
