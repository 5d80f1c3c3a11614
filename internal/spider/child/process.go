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

package child

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Process is one running browser child bound to a network namespace. It
// owns the exec handle, the protocol codec over its pipes, and the stderr
// drain. The child's wait() runs on a dedicated goroutine so no caller
// ever blocks on process reaping inside a critical section.
type Process struct {
	cmd   *exec.Cmd
	proto *Protocol
	stdin io.WriteCloser
	done  chan struct{}
	log   *zap.SugaredLogger
}

// Launch starts entry inside the namespace with the proxy exported into
// its environment:
//
//	ip netns exec {ns} bash -c "export http_proxy=<url>; export https_proxy=<url>; <entry>"
func Launch(namespace, proxyURL, entry string, log *zap.SugaredLogger) (*Process, error) {
	script := fmt.Sprintf("export http_proxy=%s; export https_proxy=%s; %s", proxyURL, proxyURL, entry)
	cmd := exec.Command("ip", "netns", "exec", namespace, "bash", "-c", script)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start child in %s: %w", namespace, err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
		log:   log,
	}
	p.proto = NewProtocol(stdin, stdout, log)
	go p.drainStderr(stderr)
	go func() {
		// Sole reaper for this child. done doubles as the liveness signal.
		err := cmd.Wait()
		p.log.Debugw("child exited", "error", err)
		close(p.done)
	}()
	return p, nil
}

// Send forwards to the protocol after a liveness check, so a request to a
// dead child fails fast with ErrChildDead instead of timing out.
func (p *Process) Send(req Request, timeout time.Duration) (*Response, error) {
	if !p.Alive() {
		return nil, ErrChildDead
	}
	return p.proto.Send(req, timeout)
}

// Alive reports whether the child has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Close shuts the child down: stdin EOF (the child exits cleanly on EOF),
// then SIGTERM, then SIGKILL once the grace period lapses. It returns
// after the child is reaped.
func (p *Process) Close(grace time.Duration) error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
		p.log.Debugw("child terminated gracefully")
		return nil
	case <-time.After(grace):
	}

	p.log.Warnw("child termination timed out, killing")
	return p.Kill()
}

// Kill force-kills the child and waits for the reaper.
func (p *Process) Kill() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		p.log.Errorw("child stderr", "line", scanner.Text())
	}
}
