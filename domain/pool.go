// Package domain: the per-domain worker pool fanning init/exec/notify out
// across the configured fleet.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package domain

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/ec2fleetd/execmat"
	"github.com/NVIDIA/ec2fleetd/macroset"
	"github.com/NVIDIA/ec2fleetd/notify"
	"github.com/NVIDIA/ec2fleetd/txn"
	"github.com/NVIDIA/ec2fleetd/userdata"
)

// SessionFactory builds the AWS clients for one domain. Each domain may
// resolve to a different region once placement is known, so the pool asks
// for a fresh set of clients per domain rather than sharing one session.
type SessionFactory func(domain string) Clients

// InitResult is one domain's outcome from Pool.RunInit.
type InitResult struct {
	Domain string
	Logs   []txn.TransactionLog
	Err    error
}

// Pool fans per-domain init/exec/notify work out across an errgroup.Group
// bounded by a semaphore, at most MaxWorkers concurrently — the Go
// analogue of the original's ThreadPoolExecutor(max_workers = len(domains)).
type Pool struct {
	MaxWorkers int
	Sessions   SessionFactory
}

func (p *Pool) workers(n int) int {
	if n < 1 {
		return 1
	}
	if p.MaxWorkers > 0 && p.MaxWorkers < n {
		return p.MaxWorkers
	}
	return n
}

// RunInit runs Init for every domain in cfg concurrently and waits for all
// of them: per spec.md §4.8, init aggregates every failure into a set of
// failed domain names rather than failing fast, since a failed domain's
// own TransientResourceManager has already rolled back that domain's work
// by the time Init returns. Unlike RunExec, failures never cancel sibling
// domains, so this uses a plain errgroup.Group rather than WithContext.
func (p *Pool) RunInit(ctx context.Context, domains map[string]userdata.DomainConfig, ms *macroset.MacroSet) []InitResult {
	sema := make(chan struct{}, p.workers(len(domains)))
	var group errgroup.Group
	var mu sync.Mutex
	results := make([]InitResult, 0, len(domains))

	for name, cfg := range domains {
		name, cfg := name, cfg
		sema <- struct{}{}
		group.Go(func() error {
			defer func() { <-sema }()
			logs, _, err := Init(ctx, name, cfg, ms, p.Sessions(name))
			mu.Lock()
			results = append(results, InitResult{Domain: name, Logs: logs, Err: err})
			mu.Unlock()
			return nil
		})
	}
	group.Wait()
	return results
}

// RunExec runs each domain's exec matrix for evt concurrently, bounded by
// the same semaphore-plus-errgroup pattern, but fails fast: per spec.md
// §4.8 ("each domain's failure is raised sequentially, so a single bad
// domain fails-fast that phase"), RunExec returns the first domain/error
// pair it sees. errgroup.WithContext cancels gctx the moment any domain
// errors, so futures not yet started skip their work instead of running
// to no purpose — in-flight work itself is not interruptible, Go
// subprocesses being no more preemptible mid-flight than the original's
// threads.
func (p *Pool) RunExec(ctx context.Context, domains map[string]userdata.DomainConfig, ms *macroset.MacroSet, evt string) (string, error) {
	sema := make(chan struct{}, p.workers(len(domains)))
	group, gctx := errgroup.WithContext(ctx)

	var once sync.Once
	var failedDomain string

	for name, cfg := range domains {
		name, cfg := name, cfg
		sema <- struct{}{}
		group.Go(func() error {
			defer func() { <-sema }()
			if gctx.Err() != nil {
				return nil
			}
			if err := runExecDomain(gctx, name, cfg, ms, evt); err != nil {
				once.Do(func() { failedDomain = name })
				return err
			}
			return nil
		})
	}

	err := group.Wait()
	return failedDomain, err
}

func runExecDomain(ctx context.Context, name string, cfg userdata.DomainConfig, ms *macroset.MacroSet, evt string) error {
	if len(cfg.Exec) == 0 {
		return nil
	}
	localMS := ms.Clone()
	localMS.Domain = name

	mat, err := execmat.Build(cfg.Exec, localMS.Format)
	if err != nil {
		return err
	}
	return mat.Run(ctx, evt)
}

// BackendFor resolves the notify.Backend to use for one domain's notify
// spec (normally constructed from that domain's AWS session).
type BackendFor func(domain string, spec userdata.NotifySpec) (notify.Backend, error)

// RunNotify posts each domain's notify specs concurrently. Per spec.md
// §4.9, an individual notification's failure is never fatal — it is
// logged and swallowed inside runNotifyDomain — so RunNotify always waits
// for every domain to finish and never fails fast the way RunExec does.
func (p *Pool) RunNotify(ctx context.Context, domains map[string]userdata.DomainConfig, ms *macroset.MacroSet, state macroset.DaemonState, backendFor BackendFor, onError func(domain string, err error)) {
	sema := make(chan struct{}, p.workers(len(domains)))
	var group errgroup.Group

	for name, cfg := range domains {
		name, cfg := name, cfg
		sema <- struct{}{}
		group.Go(func() error {
			defer func() { <-sema }()
			runNotifyDomain(name, cfg, ms, state, backendFor, onError)
			return nil
		})
	}
	group.Wait()
}

func runNotifyDomain(name string, cfg userdata.DomainConfig, ms *macroset.MacroSet, state macroset.DaemonState, backendFor BackendFor, onError func(domain string, err error)) {
	if len(cfg.Notify) == 0 {
		return
	}
	localMS := ms.Clone()
	localMS.Domain = name

	for _, spec := range cfg.Notify {
		enabled, subject, body, err := notify.Resolve(spec, state, localMS)
		if err != nil {
			onError(name, err)
			continue
		}
		if !enabled {
			continue
		}
		backend, err := backendFor(name, spec)
		if err != nil {
			onError(name, err)
			continue
		}
		if err := backend.Post(subject, body); err != nil {
			onError(name, err)
		}
	}
}
