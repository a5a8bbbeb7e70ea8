// Copyright 2025 James Ross

// Package display manages Xvfb virtual displays, one per browser worker, so
// non-headless Chromium can run on servers without a real X session.
package display

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"go.uber.org/zap"
)

const displayBase = 10

type Manager struct {
	log       *zap.Logger
	processes map[int]*exec.Cmd
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{log: log, processes: map[int]*exec.Cmd{}}
}

// Init spawns one Xvfb per worker id 1..count. A missing Xvfb is logged and
// boot continues without virtual displays: Env returns "" and the browser's
// headless setting is left unchanged.
func (m *Manager) Init(count int) error {
	if count <= 0 {
		return nil
	}
	if _, err := exec.LookPath("Xvfb"); err != nil {
		m.log.Warn("Xvfb not found, workers run without virtual displays")
		return nil
	}
	for workerID := 1; workerID <= count; workerID++ {
		display := displayName(workerID)
		cmd := exec.Command("Xvfb", display, "-screen", "0", "1920x1080x24", "-nolisten", "tcp")
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start Xvfb %s: %w", display, err)
		}
		m.processes[workerID] = cmd
		m.log.Info("virtual display started",
			obs.String("display", display),
			obs.Int("pid", cmd.Process.Pid))
	}
	// Give the X servers a moment to create their sockets.
	time.Sleep(500 * time.Millisecond)
	return nil
}

// Env returns the DISPLAY value for a worker, empty when no display was
// started for it.
func (m *Manager) Env(workerID int) string {
	if _, ok := m.processes[workerID]; !ok {
		return ""
	}
	return displayName(workerID)
}

// Cleanup terminates every Xvfb. Called last during shutdown.
func (m *Manager) Cleanup() {
	for workerID, cmd := range m.processes {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func(c *exec.Cmd) { _ = c.Wait(); close(done) }(cmd)
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
		}
		m.log.Info("virtual display stopped", obs.String("display", displayName(workerID)))
	}
	m.processes = map[int]*exec.Cmd{}
}

func displayName(workerID int) string {
	return fmt.Sprintf(":%d", displayBase+workerID)
}
