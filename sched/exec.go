/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package sched

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/crinit/crinit/launch"
	"github.com/crinit/crinit/logio"
	"github.com/crinit/crinit/task"
)

// runTask executes the start command sequence of a task in a worker
// goroutine. Every command goes through the launcher; each start is
// reported so the dispatcher can record the live PID, and the final result
// lands on the exit channel. Start commands keep the PID marker intact; the
// launcher substitutes its own PID right before execve so the child sees
// its final value.
func (s *Sched) runTask(t *task.Task, env []string) {
	for _, cmd := range t.StartCmds {
		code, err, execFail := s.runCommand(t, cmd.Argv, env)
		if err != nil || code != 0 {
			s.exitCh <- exitMsg{name: t.Name, code: code, err: err, execFail: execFail}
			return
		}
	}
	s.exitCh <- exitMsg{name: t.Name, code: 0}
}

// runCommand starts one command through the launcher and waits for it.
func (s *Sched) runCommand(t *task.Task, argv, env []string) (code int, err error, execFail bool) {
	full, err := launch.BuildArgv(s.launcher, t, argv)
	if err != nil {
		execFail = true
		return
	}
	c := &exec.Cmd{
		Path: full[0],
		Args: full,
		Env:  env,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true,
		},
	}
	files, err := applyRedirs(c, t.IORedirs)
	if err != nil {
		execFail = true
		return
	}
	if err = c.Start(); err != nil {
		closeAll(files)
		execFail = true
		return
	}
	closeAll(files) //the child holds its own descriptors now
	s.spawnCh <- spawnMsg{name: t.Name, pid: c.Process.Pid}
	if err = c.Wait(); err != nil {
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			}
		}
	}
	return
}

// applyRedirs opens the redirection sinks and wires them onto the command.
// Stream sinks (STDERR STDOUT) alias the already opened file of the named
// stream; path sinks open per their mode, fifos are created as needed.
func applyRedirs(c *exec.Cmd, redirs []task.IORedir) ([]*os.File, error) {
	var opened []*os.File
	byStream := make(map[string]*os.File, 3)

	//path sinks first so stream aliases can refer to them
	for _, r := range redirs {
		if isStream(r.Sink) {
			continue
		}
		f, err := openSink(r)
		if err != nil {
			closeAll(opened)
			return nil, err
		}
		opened = append(opened, f)
		byStream[r.Source] = f
	}
	for _, r := range redirs {
		if !isStream(r.Sink) {
			continue
		}
		f, ok := byStream[r.Sink]
		if !ok {
			//aliasing an unredirected stream is a no-op
			continue
		}
		byStream[r.Source] = f
	}
	if f, ok := byStream[`STDIN`]; ok {
		c.Stdin = f
	}
	if f, ok := byStream[`STDOUT`]; ok {
		c.Stdout = f
	}
	if f, ok := byStream[`STDERR`]; ok {
		c.Stderr = f
	}
	return opened, nil
}

func isStream(s string) bool {
	return s == `STDIN` || s == `STDOUT` || s == `STDERR`
}

func openSink(r task.IORedir) (*os.File, error) {
	perm := os.FileMode(r.Perm)
	if perm == 0 {
		perm = 0644
	}
	if r.Source == `STDIN` {
		return os.Open(r.Sink)
	}
	flags := os.O_CREATE | os.O_WRONLY
	switch r.Mode {
	case task.RedirAppend:
		flags |= os.O_APPEND
	case task.RedirTruncate:
		flags |= os.O_TRUNC
	case task.RedirPipe:
		if err := unix.Mkfifo(r.Sink, uint32(perm)); err != nil && err != unix.EEXIST {
			return nil, err
		}
		//O_RDWR keeps the open from blocking until a reader shows up
		return os.OpenFile(r.Sink, os.O_RDWR, perm)
	}
	return os.OpenFile(r.Sink, flags, perm)
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// stopTask runs the task's stop command sequence with the PID marker
// expanded to the recorded child PID, then sends SIGTERM to the main child's
// process group. The SIGKILL after the grace period is left to stopAll.
func (s *Sched) stopTask(t *task.Task) {
	pid := t.PID
	env, err := s.taskEnv(t)
	if err != nil {
		env = os.Environ()
	}
	for _, cmd := range t.StopCmds {
		argv := task.ExpandArgs(cmd, pid)
		if code, err, _ := s.runStopCommand(t, argv, env); err != nil || code != 0 {
			s.lg.Warn(`stop command failed`,
				logio.KV(`task`, t.Name), logio.KV(`code`, code), logio.KVErr(err))
		}
	}
	if pid > 0 {
		unix.Kill(-pid, unix.SIGTERM)
	}
}

// runStopCommand is runCommand without spawn reporting; stop commands are
// not supervised children.
func (s *Sched) runStopCommand(t *task.Task, argv, env []string) (code int, err error, execFail bool) {
	full, err := launch.BuildArgv(s.launcher, t, argv)
	if err != nil {
		execFail = true
		return
	}
	c := &exec.Cmd{
		Path: full[0],
		Args: full,
		Env:  env,
	}
	if err = c.Run(); err != nil {
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				code = status.ExitStatus()
			}
		} else {
			execFail = true
		}
	}
	return
}

// stopAll stops every RUNNING task in reverse dependency order, waits out
// the grace period for the children to exit, then SIGKILLs the stragglers.
func (s *Sched) stopAll() {
	ordered := s.reverseDepOrder()
	for _, t := range ordered {
		s.lg.Info(`stopping task`, logio.KV(`task`, t.Name))
		s.stopTask(t)
	}
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for len(s.pgids) > 0 {
		select {
		case m := <-s.exitCh:
			s.drainSpawns()
			s.handleExit(m)
		case m := <-s.spawnCh:
			s.handleSpawn(m)
		case <-deadline.C:
			for name, pgid := range s.pgids {
				s.lg.Warn(`grace period expired, killing`, logio.KV(`task`, name))
				unix.Kill(-pgid, unix.SIGKILL)
			}
			//collect the kills so no zombie outlives the dispatcher
			for len(s.pgids) > 0 {
				select {
				case m := <-s.exitCh:
					s.drainSpawns()
					s.handleExit(m)
				case m := <-s.spawnCh:
					s.handleSpawn(m)
				case <-time.After(s.grace):
					return
				}
			}
			return
		}
	}
}

// reverseDepOrder orders the RUNNING tasks so that dependents stop before
// the tasks they depend on: a topological order over the dependency edges,
// reversed, with insertion order breaking ties.
func (s *Sched) reverseDepOrder() []*task.Task {
	all := s.db.Ordered()
	running := make([]*task.Task, 0, len(all))
	byName := make(map[string]*task.Task, len(all))
	for _, t := range all {
		byName[t.Name] = t
		if t.State == task.Running || t.State == task.Starting {
			running = append(running, t)
		}
	}
	//count, for every running task, the running tasks that depend on it
	dependents := make(map[string]int, len(running))
	for _, t := range running {
		for _, d := range t.Deps {
			if dep, ok := byName[d.Task]; ok && (dep.State == task.Running || dep.State == task.Starting) {
				dependents[d.Task]++
			}
		}
	}
	//peel tasks nobody depends on first
	out := make([]*task.Task, 0, len(running))
	remaining := append([]*task.Task{}, running...)
	for len(remaining) > 0 {
		var next *task.Task
		idx := -1
		for i, t := range remaining {
			if dependents[t.Name] == 0 {
				next = t
				idx = i
				break
			}
		}
		if next == nil {
			//dependency cycle among running tasks; fall back to reverse
			//insertion order for the rest
			for i := len(remaining) - 1; i >= 0; i-- {
				out = append(out, remaining[i])
			}
			break
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		for _, d := range next.Deps {
			if _, ok := dependents[d.Task]; ok {
				dependents[d.Task]--
			}
		}
		out = append(out, next)
	}
	return out
}
