// Package identity resolves the stable device id reported to the MDM server.
package identity

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const lookupTimeout = 5 * time.Second

// Store persists the device id.
type Store interface {
	DeviceID() string
	SetDeviceID(id string) error
}

// Source returns a hardware identifier, or "" if it cannot find one.
type Source struct {
	Name string
	Fn   func(ctx context.Context) string
}

// Resolver assigns the device id once per installation.
type Resolver struct {
	store    Store
	logger   *slog.Logger
	sources  []Source
	fallback func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSources replaces the platform source chain.
func WithSources(sources ...Source) Option {
	return func(r *Resolver) { r.sources = sources }
}

// WithFallback replaces the id used when every source comes back empty.
func WithFallback(fn func() string) Option {
	return func(r *Resolver) { r.fallback = fn }
}

// NewResolver creates a Resolver using the source chain for the running OS.
func NewResolver(store Store, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		logger:   logger,
		sources:  Sources(runtime.GOOS),
		fallback: NodeID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the persisted device id. If none exists it derives one,
// persists it, and only then returns it.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if id := r.store.DeviceID(); id != "" {
		return id, nil
	}

	start := time.Now()
	id := ""
	for _, p := range r.sources {
		if id = strings.TrimSpace(p.Fn(ctx)); id != "" {
			r.logger.Debug("hardware id found", "source", p.Name, "id", id)
			break
		}
		r.logger.Debug("hardware id source returned nothing", "source", p.Name)
	}
	if id == "" {
		// A lookup interrupted by shutdown must not pin the fallback id forever.
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id = r.fallback()
		r.logger.Warn("using network interface node id as device id", "id", id)
	}

	if err := r.store.SetDeviceID(id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	r.logger.Info("device id assigned", "id", id, "duration", time.Since(start))
	return id, nil
}

// Sources returns the hardware id sources for goos in priority order.
func Sources(goos string) []Source {
	switch goos {
	case "darwin":
		return []Source{{Name: "ioreg", Fn: darwinHardwareID}}
	case "linux":
		return []Source{
			{Name: "dmi", Fn: fileSource("/sys/class/dmi/id/product_uuid")},
			{Name: "machine-id", Fn: fileSource("/etc/machine-id")},
		}
	case "freebsd", "openbsd", "netbsd", "dragonfly":
		return []Source{{Name: "sysctl", Fn: commandSource("sysctl", "-n", "kern.hostuuid")}}
	case "solaris", "illumos":
		return []Source{{Name: "hostid", Fn: commandSource("hostid")}}
	case "windows":
		return []Source{{Name: "wmic", Fn: windowsHardwareID}}
	default:
		return nil
	}
}

// NodeID renders the host's network interface node id as a decimal integer.
func NodeID() string {
	node := uuid.NodeID()
	var buf [8]byte
	copy(buf[8-len(node):], node)
	return strconv.FormatUint(binary.BigEndian.Uint64(buf[:]), 10)
}

func output(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fileSource(path string) func(context.Context) string {
	return func(context.Context) string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}

func commandSource(name string, args ...string) func(context.Context) string {
	return func(ctx context.Context) string {
		out, err := output(ctx, name, args...)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(out)
	}
}

func darwinHardwareID(ctx context.Context) string {
	out, err := output(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return ""
	}
	return parseIOPlatformUUID(out)
}

// parseIOPlatformUUID extracts the value from a line like
// `"IOPlatformUUID" = "1234-ABCD"`.
func parseIOPlatformUUID(out string) string {
	for line := range strings.SplitSeq(out, "\n") {
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.Split(line, "\"")
		if len(parts) >= 4 {
			return strings.TrimSpace(parts[3])
		}
	}
	return ""
}

func windowsHardwareID(ctx context.Context) string {
	out, err := output(ctx, "wmic", "csproduct", "get", "UUID")
	if err != nil {
		return ""
	}
	return parseWMICUUID(out)
}

func parseWMICUUID(out string) string {
	for line := range strings.SplitSeq(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && trimmed != "UUID" {
			return trimmed
		}
	}
	return ""
}
