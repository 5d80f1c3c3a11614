// Copyright 2026 David Yordan. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netns provisions the pool of Linux network namespaces the
// session pool runs its children inside. Each namespace ns{i} gets a veth
// pair to the host (10.200.{i}.1/24 host side, 10.200.{i}.2/24 inside) and
// a default route back out, so a child launched with `ip netns exec ns{i}`
// reaches the outside world through the host.
//
// Requires root or CAP_NET_ADMIN.
package netns

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// VethPrefix is the reserved host-interface prefix. Initialize deletes
// every host link starting with it before building fresh pairs.
const VethPrefix = "veth_ns_"

var linkNameRe = regexp.MustCompile(`^\d+: ([^:@]+)`)

// Runner executes one host command and returns its stdout. It exists so
// tests can script the ip/sysctl conversation; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Provisioner owns the namespace pool. Initialize builds it; Acquire and
// Release lease names through a FIFO channel, so Acquire blocks without
// spinning when every namespace is handed out.
type Provisioner struct {
	max    int
	runner Runner
	log    *zap.SugaredLogger
	queue  chan string
	ready  int
}

// New creates a provisioner for up to max namespaces. Nothing touches the
// host until Initialize.
func New(max int, runner Runner, log *zap.SugaredLogger) *Provisioner {
	return &Provisioner{
		max:    max,
		runner: runner,
		log:    log.Named("netns"),
		queue:  make(chan string, max),
	}
}

// Initialize is the idempotent host setup: delete every existing
// namespace, delete every stale veth_ns_* host link, enable IPv4
// forwarding, then build ns0..ns{max-1}. A namespace whose setup fails is
// rolled back and skipped; the rest proceed. Callers must treat
// Ready() == 0 afterwards as fatal.
func (p *Provisioner) Initialize(ctx context.Context) error {
	p.cleanupNamespaces(ctx)
	p.cleanupVethInterfaces(ctx)

	if _, err := p.runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		p.log.Errorw("failed to enable IP forwarding", "error", err)
	}

	for i := 0; i < p.max; i++ {
		if err := p.createNamespace(ctx, i); err != nil {
			p.log.Errorw("namespace setup failed", "index", i, "error", err)
			continue
		}
		p.queue <- nsName(i)
		p.ready++
	}
	p.log.Infow("namespace pool initialized", "ready", p.ready, "requested", p.max)
	return nil
}

// Ready reports how many namespaces survived Initialize.
func (p *Provisioner) Ready() int { return p.ready }

// Acquire leases the next free namespace, blocking until one is released
// or the context ends. Leases are FIFO.
func (p *Provisioner) Acquire(ctx context.Context) (string, error) {
	select {
	case name := <-p.queue:
		p.log.Debugw("acquired namespace", "namespace", name)
		return name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release returns a namespace to the back of the queue.
func (p *Provisioner) Release(name string) {
	select {
	case p.queue <- name:
		p.log.Debugw("released namespace", "namespace", name)
	default:
		// Can only happen if a name is released twice; dropping it keeps
		// the single-holder invariant.
		p.log.Errorw("namespace released but queue is full", "namespace", name)
	}
}

func (p *Provisioner) cleanupNamespaces(ctx context.Context) {
	out, err := p.runner.Run(ctx, "ip", "netns", "list")
	if err != nil {
		p.log.Errorw("failed to list namespaces", "error", err)
		return
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if _, err := p.runner.Run(ctx, "ip", "netns", "delete", name); err != nil {
			p.log.Errorw("failed to delete namespace", "namespace", name, "error", err)
			continue
		}
		p.log.Debugw("deleted stale namespace", "namespace", name)
	}
}

func (p *Provisioner) cleanupVethInterfaces(ctx context.Context) {
	out, err := p.runner.Run(ctx, "ip", "link", "show")
	if err != nil {
		p.log.Errorw("failed to list links", "error", err)
		return
	}
	seen := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		m := linkNameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if !strings.HasPrefix(name, VethPrefix) {
			continue
		}
		// Deleting one end of a pair removes the peer too; skip names we
		// already handled.
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if _, err := p.runner.Run(ctx, "ip", "link", "delete", name); err != nil {
			p.log.Errorw("failed to delete veth interface", "interface", name, "error", err)
			continue
		}
		p.log.Debugw("deleted stale veth interface", "interface", name)
	}
}

// createNamespace builds one namespace plus its veth plumbing. Each step's
// failure rolls back whatever this index already created and aborts just
// this index.
func (p *Provisioner) createNamespace(ctx context.Context, index int) error {
	ns := nsName(index)
	hostVeth := fmt.Sprintf("%s%d_host", VethPrefix, index)
	nsVeth := fmt.Sprintf("%s%d_ns", VethPrefix, index)

	if _, err := p.runner.Run(ctx, "ip", "netns", "add", ns); err != nil {
		return fmt.Errorf("add namespace %s: %w", ns, err)
	}

	if _, err := p.runner.Run(ctx, "ip", "link", "add", hostVeth, "type", "veth", "peer", "name", nsVeth); err != nil {
		p.rollback(ctx, ns, "")
		return fmt.Errorf("add veth pair for %s: %w", ns, err)
	}
	if _, err := p.runner.Run(ctx, "ip", "link", "set", nsVeth, "netns", ns); err != nil {
		p.rollback(ctx, ns, hostVeth)
		return fmt.Errorf("move %s into %s: %w", nsVeth, ns, err)
	}

	hostIP := fmt.Sprintf("10.200.%d.1/24", index)
	if _, err := p.runner.Run(ctx, "ip", "addr", "add", hostIP, "dev", hostVeth); err != nil {
		p.rollback(ctx, ns, hostVeth)
		return fmt.Errorf("assign %s to %s: %w", hostIP, hostVeth, err)
	}
	if _, err := p.runner.Run(ctx, "ip", "link", "set", hostVeth, "up"); err != nil {
		p.rollback(ctx, ns, hostVeth)
		return fmt.Errorf("bring up %s: %w", hostVeth, err)
	}

	nsIP := fmt.Sprintf("10.200.%d.2/24", index)
	steps := [][]string{
		{"ip", "netns", "exec", ns, "ip", "addr", "add", nsIP, "dev", nsVeth},
		{"ip", "netns", "exec", ns, "ip", "link", "set", nsVeth, "up"},
		{"ip", "netns", "exec", ns, "ip", "link", "set", "lo", "up"},
		{"ip", "netns", "exec", ns, "ip", "route", "add", "default", "via", fmt.Sprintf("10.200.%d.1", index)},
	}
	for _, step := range steps {
		if _, err := p.runner.Run(ctx, step[0], step[1:]...); err != nil {
			p.rollback(ctx, ns, hostVeth)
			return fmt.Errorf("configure %s (%s): %w", ns, strings.Join(step, " "), err)
		}
	}

	p.log.Debugw("namespace ready", "namespace", ns, "hostVeth", hostVeth, "hostIP", hostIP, "nsIP", nsIP)
	return nil
}

// rollback tears down the partial resources of one failed index. Deleting
// the namespace releases the peer veth; the host veth needs its own
// delete when it already exists.
func (p *Provisioner) rollback(ctx context.Context, ns, hostVeth string) {
	if hostVeth != "" {
		if _, err := p.runner.Run(ctx, "ip", "link", "delete", hostVeth); err != nil {
			p.log.Debugw("rollback link delete failed", "interface", hostVeth, "error", err)
		}
	}
	if _, err := p.runner.Run(ctx, "ip", "netns", "delete", ns); err != nil {
		p.log.Debugw("rollback namespace delete failed", "namespace", ns, "error", err)
	}
}

func nsName(i int) string { return fmt.Sprintf("ns%d", i) }
