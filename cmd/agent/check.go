package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"pulsemdm/internal/agent"
	"pulsemdm/internal/client"
	"pulsemdm/internal/config"
	"pulsemdm/internal/mdm"
)

// checkStep is one stage of the connectivity self-test.
type checkStep struct {
	run  func(ctx context.Context) (string, error)
	name string
}

// selfCheck exercises each server endpoint once with a real device snapshot.
type selfCheck struct {
	client   *client.Client
	info     agent.DeviceInfoProvider
	out      io.Writer
	cfg      config.Config
	deviceID string
}

// run executes every step, printing one line per step, and reports whether all passed.
// Later steps still run after a failure so the output shows every broken endpoint.
func (c *selfCheck) run(ctx context.Context) bool {
	fmt.Fprintf(c.out, "Checking %s as device %s\n", c.client.BaseURL(), c.deviceID)

	steps := []checkStep{
		{name: "health", run: c.health},
		{name: "enroll", run: c.enroll},
		{name: "heartbeat", run: c.heartbeat},
		{name: "poll commands", run: c.poll},
	}

	ok := true
	for _, st := range steps {
		start := time.Now()
		detail, err := st.run(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			ok = false
			fmt.Fprintf(c.out, "%s %-14s %v\n", color.RedString("✗"), st.name, err)
			continue
		}
		line := fmt.Sprintf("%s %-14s %s", color.GreenString("✓"), st.name, color.HiBlackString(elapsed.String()))
		if detail != "" {
			line += " " + detail
		}
		fmt.Fprintln(c.out, line)
	}

	if ok {
		fmt.Fprintln(c.out, color.GreenString("All checks passed"))
	} else {
		fmt.Fprintln(c.out, color.RedString("Some checks failed"))
	}
	return ok
}

func (c *selfCheck) health(ctx context.Context) (string, error) {
	return "", c.client.Health(ctx)
}

func (c *selfCheck) enroll(ctx context.Context) (string, error) {
	if c.cfg.EnrollmentKey == "" {
		return "", config.ErrMissingEnrollmentKey
	}
	req := mdm.EnrollRequest{
		DeviceInfo:    c.info.Collect(ctx, c.deviceID),
		EnrollmentKey: c.cfg.EnrollmentKey,
		AgentVersion:  agent.Version,
	}
	return "", c.client.Enroll(ctx, req)
}

func (c *selfCheck) heartbeat(ctx context.Context) (string, error) {
	hb := mdm.NewHeartbeat(c.info.Collect(ctx, c.deviceID))
	if err := c.client.SendHeartbeat(ctx, c.deviceID, hb); err != nil {
		return "", err
	}
	return "ip=" + hb.IPAddress, nil
}

// poll fetches pending commands without executing them. The server marks
// fetched commands as sent, so they will not be handed to the running agent.
func (c *selfCheck) poll(ctx context.Context) (string, error) {
	cmds, err := c.client.PendingCommands(ctx, c.deviceID)
	if err != nil {
		return "", err
	}
	if len(cmds) == 0 {
		return "no pending commands", nil
	}
	detail := fmt.Sprintf("%d pending:", len(cmds))
	for _, cmd := range cmds {
		detail += fmt.Sprintf(" %s(%s)", cmd.CommandType, cmd.ID)
	}
	return detail, nil
}
