// Package lifecycle drives the daemon's top-level state machine: init,
// post-init exec, notify, interruption polling, and the residual cleanup
// that runs no matter how the run ends.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/golang/glog"

	"github.com/NVIDIA/ec2fleetd/domain"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/meta"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// DefaultPollInterval is the spot-interruption poll period (spec.md §5).
const DefaultPollInterval = 1 * time.Second

// MetaSource is the subset of *meta.Manager the driver depends on,
// narrowed to an interface so tests can substitute a double.
type MetaSource interface {
	FetchMeta(ctx context.Context, ms *macroset.MacroSet) error
	OpenUserdata(ctx context.Context) (io.ReadCloser, error)
	PollInterruptSchedule(ctx context.Context) (*meta.InterruptSchedule, error)
}

// ReadinessNotifier is the subset of *readiness.Notifier the driver depends
// on.
type ReadinessNotifier interface {
	Ready()
	Status(msg string)
	Stopping()
}

// Driver runs one complete instance lifecycle: STARTING -> STARTED ->
// {INTERRUPTED, STOPPING, FAILED}, per spec.md §4.11.
type Driver struct {
	Meta       MetaSource
	EC2        ec2iface.EC2API
	Pool       *domain.Pool
	BackendFor domain.BackendFor
	Notifier   ReadinessNotifier
	SetHostname func(string) error

	Config *userdata.Config
	MS     *macroset.MacroSet

	TranscID string

	EnableInit   bool
	EnableNotify bool
	EnableExec   bool
	EnablePoll   bool

	InitTimeout  time.Duration // 0 disables the deadline (open question #4)
	PollInterval time.Duration // 0 means DefaultPollInterval
}

// Run executes the full lifecycle and returns the process exit code: 0 on
// a clean run (including a clean interruption or spot reclaim), 1 if init
// or the pre-init exec phase failed.
func (d *Driver) Run(ctx context.Context) int {
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		cancel()
		// The second SIGINT/SIGTERM gets default disposition and kills the
		// process outright, matching spec.md §5's "the second is delivered
		// with default disposition."
		signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	}()
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}()

	d.MS.DaemonState = macroset.Starting
	initStart := time.Now()

	runErr := d.runToStarted(ctx, initStart)

	exitCode := 0
	switch {
	case runErr == nil:
		// fell through the poll loop to an ordinary or interrupted exit;
		// DaemonState was already set by runToStarted.
	case errors.Is(runErr, context.Canceled):
		d.Notifier.Status("Process interrupted")
		d.MS.DaemonState = macroset.Stopping
	default:
		if errors.Is(runErr, context.DeadlineExceeded) {
			d.Notifier.Status("Init timed out")
		} else {
			d.Notifier.Status("Daemon failed")
		}
		d.MS.Error = append(d.MS.Error, runErr.Error())
		d.MS.DaemonState = macroset.Failed
		exitCode = 1
	}

	// The terminal-state cleanup below must run to completion even after a
	// signal cancelled ctx, so it uses a context of its own rather than the
	// (possibly already-cancelled) lifecycle ctx.
	cleanupCtx := context.Background()

	d.Notifier.Stopping()

	logs, cerr := ResidualCleanup(d.EC2, d.TranscID)
	d.MS.TransactionLog = append(d.MS.TransactionLog, logs...)
	if cerr != nil {
		glog.Errorf("cleaning up transaction %s: %v; some resources may require manual cleanup", d.TranscID, cerr)
	}

	if failedDomain, err := d.doExec(cleanupCtx, d.MS.DaemonState); err != nil {
		glog.Warningf("terminal exec for domain %s failed: %v", failedDomain, err)
	}
	d.doNotify(cleanupCtx)

	return exitCode
}

// runToStarted runs everything up through the interruption-poll loop. A
// non-nil return is fatal (pre-init exec or init itself failed, or the init
// deadline was exceeded, or the process was signaled); a nil return means
// the daemon reached STARTED and either polled to an ordinary interruption
// (DaemonState already set to Interrupted) or enable-poll was off.
func (d *Driver) runToStarted(ctx context.Context, initStart time.Time) error {
	initCtx := ctx
	if d.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, d.InitTimeout)
		defer cancel()
	}

	if failedDomain, err := d.doExec(initCtx, macroset.Starting); err != nil {
		return fmt.Errorf("exec(starting) domain %s: %w", failedDomain, err)
	}
	if err := d.doInit(initCtx); err != nil {
		return err
	}

	d.MS.DaemonState = macroset.Started
	if failedDomain, err := d.doExec(ctx, macroset.Started); err != nil {
		glog.Warningf("exec(started) domain %s failed: %v", failedDomain, err)
	}

	glog.Infof("init complete (%.3fs)", time.Since(initStart).Seconds())
	d.doNotify(ctx)
	d.Notifier.Ready()

	if !d.EnablePoll {
		return nil
	}

	d.Notifier.Status("Polling interruption ...")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sched, err := d.Meta.PollInterruptSchedule(ctx)
		if err != nil {
			glog.Warningf("polling interrupt schedule: %v", err)
		} else if sched != nil && sched.Valid() {
			d.MS.InterruptTime = sched.ActionTime.Format(time.RFC3339)
			d.MS.InterruptAction = sched.Action
			glog.Warningf("spot interruption notice received: %s", sched)
			d.MS.DaemonState = macroset.Interrupted
			d.Notifier.Status("SPOT INTERRUPTION NOTICE RECEIVED!!!")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *Driver) doExec(ctx context.Context, event macroset.DaemonState) (string, error) {
	if !d.EnableExec || d.Config == nil {
		return "", nil
	}
	return d.Pool.RunExec(ctx, d.Config.Domains, d.MS, string(event))
}

func (d *Driver) doInit(ctx context.Context) error {
	if !d.EnableInit || d.Config == nil {
		return nil
	}

	results := d.Pool.RunInit(ctx, d.Config.Domains, d.MS)

	var failed []string
	for _, r := range results {
		d.MS.TransactionLog = append(d.MS.TransactionLog, r.Logs...)
		if r.Err != nil {
			failed = append(failed, r.Domain)
			d.MS.Error = append(d.MS.Error, fmt.Sprintf("%s: %v", r.Domain, r.Err))
		}
	}
	if len(failed) > 0 {
		return &domain.DomainFailedError{Domains: failed}
	}

	if d.Config.SetHostname == "" {
		return nil
	}
	hostname, err := d.MS.Format(d.Config.SetHostname)
	if err != nil {
		glog.Warningf("formatting set-hostname template: %v", err)
		return nil
	}
	if d.SetHostname == nil {
		return nil
	}
	if err := d.SetHostname(hostname); err != nil {
		// Not mission-critical: the transient hostname is best-effort.
		glog.Warningf("setting hostname to %q: %v", hostname, err)
	}
	return nil
}

func (d *Driver) doNotify(ctx context.Context) {
	if !d.EnableNotify || d.Config == nil {
		return
	}
	d.Pool.RunNotify(ctx, d.Config.Domains, d.MS, d.MS.DaemonState, d.BackendFor, func(domainName string, err error) {
		glog.Errorf("notify domain %s: %v", domainName, err)
	})
}
