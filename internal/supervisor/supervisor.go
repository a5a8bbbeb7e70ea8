// Copyright 2025 James Ross

// Package supervisor is the root process: it boots shared infrastructure,
// spawns worker child processes, restarts the ones that die, seeds the task
// queues, and drives graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/articulum"
	"github.com/flyingrobots/go-avito-work-queue/internal/catalogqueue"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/display"
	"github.com/flyingrobots/go-avito-work-queue/internal/objectqueue"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/flyingrobots/go-avito-work-queue/internal/reaper"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type role string

const (
	roleBrowser    role = "browser-worker"
	roleValidation role = "validation-worker"
)

type child struct {
	role    role
	index   int
	display string
	cmd     *exec.Cmd
	exited  chan error
	err     error
	done    bool
}

type Supervisor struct {
	cfg        *config.Config
	configPath string
	pool       *pgxpool.Pool
	log        *zap.Logger
	displays   *display.Manager
	children   []*child
}

func New(cfg *config.Config, configPath string, pool *pgxpool.Pool, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		pool:       pool,
		log:        log,
		displays:   display.NewManager(log),
	}
}

// Run boots the system and blocks until ctx is canceled, then shuts the
// worker fleet down gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor starting",
		obs.Int("browser_workers", s.cfg.Worker.BrowserCount),
		obs.Int("validation_workers", s.cfg.Worker.ValidationCount))

	if err := store.EnsureSchema(ctx, s.pool); err != nil {
		return err
	}

	if s.cfg.Browser.UseXvfb && !s.cfg.Browser.Headless {
		if err := s.displays.Init(s.cfg.Worker.BrowserCount); err != nil {
			return err
		}
	}
	defer s.displays.Cleanup()

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.New(s.cfg, s.pool, s.log).Run(ctx)
	}()

	// Workers are started before the queues are seeded: they idle until
	// tasks appear, and seeding may be slow on a large articulum set.
	if err := s.spawnAll(ctx); err != nil {
		return err
	}
	go s.seedQueues(ctx)

	s.monitor(ctx)

	s.shutdown()
	<-reaperDone
	s.log.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) spawnAll(ctx context.Context) error {
	for i := 1; i <= s.cfg.Worker.BrowserCount; i++ {
		c := &child{role: roleBrowser, index: i, display: s.displays.Env(i)}
		if err := s.spawn(ctx, c); err != nil {
			return err
		}
		s.children = append(s.children, c)
	}
	for i := 1; i <= s.cfg.Worker.ValidationCount; i++ {
		c := &child{role: roleValidation, index: i}
		if err := s.spawn(ctx, c); err != nil {
			return err
		}
		s.children = append(s.children, c)
	}
	obs.WorkerActive.Set(float64(len(s.children)))
	return nil
}

// spawn re-execs this binary in the child role. The child keeps the same
// identity (index and display) across restarts.
func (s *Supervisor) spawn(ctx context.Context, c *child) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(self,
		"--role", string(c.role),
		"--config", s.configPath,
		"--worker-index", fmt.Sprint(c.index),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if c.display != "" {
		cmd.Env = append(cmd.Env, "DISPLAY="+c.display)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s#%d: %w", c.role, c.index, err)
	}

	c.cmd = cmd
	c.exited = make(chan error, 1)
	c.err = nil
	c.done = false
	go func() { c.exited <- cmd.Wait() }()

	s.log.Info("worker spawned",
		obs.String("role", string(c.role)),
		obs.Int("index", c.index),
		obs.Int("pid", cmd.Process.Pid),
		obs.String("display", c.display))
	return nil
}

// monitor restarts dead children every monitor interval until ctx ends.
func (s *Supervisor) monitor(ctx context.Context) {
	s.log.Info("worker monitoring started")
	ticker := time.NewTicker(s.cfg.Worker.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.children {
				select {
				case err := <-c.exited:
					c.done = true
					c.err = err
					s.log.Warn("worker exited",
						obs.String("role", string(c.role)),
						obs.Int("index", c.index),
						obs.Int("exit_code", c.cmd.ProcessState.ExitCode()))
					if rerr := s.spawn(ctx, c); rerr != nil {
						s.log.Error("worker restart failed", obs.Err(rerr))
						continue
					}
					obs.WorkerRestarts.Inc()
				default:
				}
			}
		}
	}
}

// seedQueues creates catalog tasks for NEW articulums and object tasks for
// any articulum already VALIDATED at boot. Seeding does not change articulum
// states: catalog transitions happen at claim time, and boot-time object
// seeding stays per-listing lazy.
func (s *Supervisor) seedQueues(ctx context.Context) {
	if s.cfg.Worker.ReparseMode {
		s.log.Info("reparse mode: catalog seeding skipped")
	} else {
		created, err := catalogqueue.EnqueueForNewArticulums(ctx, s.pool)
		if err != nil {
			s.log.Error("catalog seeding failed", obs.Err(err))
		} else {
			s.log.Info("catalog tasks seeded", obs.Int("count", created))
		}
	}

	if s.cfg.Worker.SkipObjectParsing {
		s.log.Info("object parsing disabled, object seeding skipped")
		return
	}
	validated, err := articulum.ListByState(ctx, s.pool, articulum.StateValidated, 0)
	if err != nil {
		s.log.Error("validated articulum scan failed", obs.Err(err))
		return
	}
	total := 0
	for _, a := range validated {
		created, err := objectqueue.CreateForArticulum(ctx, s.pool, a.ID)
		if err != nil {
			s.log.Error("object seeding failed",
				obs.Int64("articulum_id", a.ID), obs.Err(err))
			continue
		}
		total += created
	}
	s.log.Info("object tasks seeded",
		obs.Int("articulums", len(validated)),
		obs.Int("count", total))
}

// shutdown terminates every child politely, then by force.
func (s *Supervisor) shutdown() {
	s.log.Info("stopping workers")
	for _, c := range s.children {
		if c.done || c.cmd.Process == nil {
			continue
		}
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(s.cfg.Worker.ShutdownGrace)
	for _, c := range s.children {
		if c.done {
			continue
		}
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-c.exited:
			s.log.Info("worker stopped",
				obs.String("role", string(c.role)), obs.Int("index", c.index))
		case <-time.After(remaining):
			_ = c.cmd.Process.Kill()
			<-c.exited
			s.log.Warn("worker killed",
				obs.String("role", string(c.role)), obs.Int("index", c.index))
		}
		c.done = true
	}
	obs.WorkerActive.Set(0)
}
