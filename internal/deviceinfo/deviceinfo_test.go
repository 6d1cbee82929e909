package deviceinfo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatform(t *testing.T) {
	tests := map[string]string{
		"darwin":  "Darwin",
		"linux":   "Linux",
		"windows": "Windows",
		"illumos": "SunOS",
		"plan9":   "plan9",
	}
	for goos, want := range tests {
		assert.Equal(t, want, Platform(goos), goos)
	}
}

func TestArchitecture(t *testing.T) {
	tests := []struct {
		goos, goarch, want string
	}{
		{"linux", "amd64", "x86_64"},
		{"darwin", "arm64", "arm64"},
		{"linux", "arm64", "aarch64"},
		{"windows", "amd64", "AMD64"},
		{"linux", "386", "i386"},
		{"linux", "riscv64", "riscv64"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Architecture(tt.goos, tt.goarch), "%s/%s", tt.goos, tt.goarch)
	}
}

func TestParseHardwareOverview(t *testing.T) {
	out := `Hardware:

    Hardware Overview:

      Model Name: MacBook Pro
      Model Identifier: Mac14,7
      Chip: Apple M2
      Serial Number (system): C02ABC123XYZ
      Hardware UUID: 5A3B2C1D-0000-1111-2222-333344445555
`
	serial, model := parseHardwareOverview(out)
	assert.Equal(t, "C02ABC123XYZ", serial)
	assert.Equal(t, "MacBook Pro", model)
}

func newTestSystem(goos, goarch string) *System {
	s := NewSystem(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.goos, s.goarch = goos, goarch
	s.hostInfo = func(context.Context) (*host.InfoStat, error) { return &host.InfoStat{}, nil }
	s.batteries = func() ([]*battery.Battery, error) { return nil, nil }
	s.hardware = func(context.Context) (string, error) { return "", errors.New("not a mac") }
	return s
}

func TestCollectHostFacts(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		goarch   string
		hi       host.InfoStat
		wantOS   string
		wantArch string
	}{
		{
			name: "darwin product version",
			goos: "darwin", goarch: "arm64",
			hi:     host.InfoStat{Hostname: "mac", PlatformVersion: "14.5", KernelVersion: "23.5.0", KernelArch: "arm64"},
			wantOS: "14.5", wantArch: "arm64",
		},
		{
			name: "linux kernel release",
			goos: "linux", goarch: "amd64",
			hi:     host.InfoStat{Hostname: "box", PlatformVersion: "24.04", KernelVersion: "6.8.0-45-generic", KernelArch: "x86_64"},
			wantOS: "6.8.0-45-generic", wantArch: "x86_64",
		},
		{
			name: "windows keeps goarch spelling",
			goos: "windows", goarch: "amd64",
			hi:     host.InfoStat{Hostname: "pc", PlatformVersion: "10.0.22631 Build 22631", KernelArch: "x86_64"},
			wantOS: "10.0.22631 Build 22631", wantArch: "AMD64",
		},
		{
			name: "missing kernel arch falls back",
			goos: "linux", goarch: "arm64",
			hi:     host.InfoStat{Hostname: "pi", KernelVersion: "6.6.31"},
			wantOS: "6.6.31", wantArch: "aarch64",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSystem(tt.goos, tt.goarch)
			hi := tt.hi
			s.hostInfo = func(context.Context) (*host.InfoStat, error) { return &hi, nil }

			info := s.Collect(context.Background(), "device-1")
			assert.Equal(t, tt.hi.Hostname, info.Hostname)
			assert.Equal(t, tt.hi.Hostname, info.DeviceName)
			assert.Equal(t, tt.wantOS, info.OSVersion)
			assert.Equal(t, tt.wantArch, info.Architecture)
			assert.Equal(t, Platform(tt.goos), info.Platform)
		})
	}
}

func TestCollectHostInfoFailure(t *testing.T) {
	s := newTestSystem("linux", "amd64")
	s.hostInfo = func(context.Context) (*host.InfoStat, error) { return nil, errors.New("no /proc") }

	info := s.Collect(context.Background(), "device-1")
	want, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, want, info.Hostname)
	assert.Equal(t, "unknown", info.OSVersion)
	assert.Equal(t, "x86_64", info.Architecture)
}

func TestCollectBattery(t *testing.T) {
	tests := []struct {
		name         string
		batteries    []*battery.Battery
		err          error
		wantLevel    int
		wantCharging bool
	}{
		{
			name:      "charging",
			batteries: []*battery.Battery{{State: battery.State{Raw: battery.Charging}, Current: 41000, Full: 64000}},
			wantLevel: 64, wantCharging: true,
		},
		{
			name:      "discharging",
			batteries: []*battery.Battery{{State: battery.State{Raw: battery.Discharging}, Current: 26880, Full: 64000}},
			wantLevel: 42, wantCharging: false,
		},
		{
			name:      "full on external power",
			batteries: []*battery.Battery{{State: battery.State{Raw: battery.Full}, Current: 65000, Full: 64000}},
			wantLevel: 100, wantCharging: true,
		},
		{
			name: "unreadable first battery is skipped",
			batteries: []*battery.Battery{
				nil,
				{State: battery.State{Raw: battery.Discharging}},
				{State: battery.State{Raw: battery.Charging}, Current: 50, Full: 100},
			},
			err:       battery.Errors{errors.New("bad"), nil, nil},
			wantLevel: 50, wantCharging: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSystem("linux", "amd64")
			s.batteries = func() ([]*battery.Battery, error) { return tt.batteries, tt.err }

			info := s.Collect(context.Background(), "device-1")
			require.NotNil(t, info.BatteryLevel)
			assert.Equal(t, tt.wantLevel, *info.BatteryLevel)
			require.NotNil(t, info.IsCharging)
			assert.Equal(t, tt.wantCharging, *info.IsCharging)
		})
	}
}

func TestCollectNoBattery(t *testing.T) {
	s := newTestSystem("linux", "amd64")
	s.batteries = func() ([]*battery.Battery, error) { return nil, errors.New("no batteries") }

	info := s.Collect(context.Background(), "device-1")
	assert.Nil(t, info.BatteryLevel)
	assert.Nil(t, info.IsCharging)
}

func TestCollectDarwinHardware(t *testing.T) {
	s := newTestSystem("darwin", "arm64")
	s.hardware = func(context.Context) (string, error) {
		return "Model Name: MacBook Air\nSerial Number (system): FVFXYZ\n", nil
	}

	info := s.Collect(context.Background(), "device-1")
	assert.Equal(t, "FVFXYZ", info.SerialNumber)
	assert.Equal(t, "MacBook Air", info.Model)

	s = newTestSystem("linux", "amd64")
	s.hardware = func(context.Context) (string, error) {
		t.Fatal("system_profiler only runs on darwin")
		return "", nil
	}
	info = s.Collect(context.Background(), "device-1")
	assert.Empty(t, info.SerialNumber)
}

func TestCollect(t *testing.T) {
	s := NewSystem(slog.New(slog.NewTextHandler(io.Discard, nil)))

	info := s.Collect(context.Background(), "device-1")
	assert.Equal(t, "device-1", info.DeviceID)
	assert.NotEmpty(t, info.Hostname)
	assert.Equal(t, info.Hostname, info.DeviceName)
	assert.NotEmpty(t, info.OSVersion)
	assert.NotEmpty(t, info.Architecture)
	assert.NotEmpty(t, info.Platform)
	assert.NotNil(t, net.ParseIP(info.IPAddress), "ip %q", info.IPAddress)
}
