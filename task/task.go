/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package task defines the in memory representation of one supervised task:
// its commands, dependency and provide sets, runtime state machine, and the
// mutators the dispatcher drives it with.
package task

import (
	"strconv"
	"strings"

	"github.com/crinit/crinit/caps"
	"github.com/crinit/crinit/envset"
	"github.com/crinit/crinit/options"
)

// Built-in event names every task provides implicitly.
const (
	EventSpawn = `spawn`
	EventWait  = `wait`
	EventFail  = `fail`
)

// PIDMarker is substituted in command arguments with the child PID right
// before exec.
const PIDMarker = `${TASK_PID}`

const (
	Loaded State = iota
	Waiting
	Ready
	Starting
	Running
	Done
	Failed
)

type State int

func (s State) String() string {
	switch s {
	case Loaded:
		return `LOADED`
	case Waiting:
		return `WAITING`
	case Ready:
		return `READY`
	case Starting:
		return `STARTING`
	case Running:
		return `RUNNING`
	case Done:
		return `DONE`
	case Failed:
		return `FAILED`
	}
	return `UNKNOWN`
}

// Command is one argument vector of a task's start or stop sequence.
type Command struct {
	Argv []string
}

// DepRef names an event of another task (or an external event namespace)
// that gates or re-triggers this one.
type DepRef struct {
	Task  string
	Event string
}

func (d DepRef) String() string {
	return d.Task + `:` + d.Event
}

// Redirection modes for IORedir.
const (
	RedirAppend RedirMode = iota
	RedirTruncate
	RedirPipe
)

type RedirMode int

// IORedir describes one stdio redirection of the child: a source stream, a
// sink (path, fifo, or the name of another stream), and an open mode.
type IORedir struct {
	Source string //STDIN, STDOUT, STDERR
	Sink   string //pathname or stream name
	Mode   RedirMode
	Perm   uint32 //octal permissions for created files, 0 means default
}

// Notifier receives the task's state change events. The event bus satisfies
// this; tests substitute their own.
type Notifier interface {
	Publish(task, event string)
}

// Task is the record for one supervised unit of work. The parser constructs
// it, the database owns it, the dispatcher borrows and mutates it.
type Task struct {
	Name      string
	StartCmds []Command
	StopCmds  []Command
	Deps      []DepRef
	Trig      []DepRef
	Provides  []string
	IORedirs  []IORedir
	Env       *envset.EnvSet

	UID       uint32
	User      string //cached resolved name
	GID       uint32
	Group     string //cached resolved name
	SupGroups []uint32

	CapsAmbient     caps.Capabilities
	CapsInheritable caps.Capabilities

	Cgroup *options.CgroupDef

	Respawn        bool
	RespawnRetries int //-1 means unlimited

	Filters []options.FilterDef

	PID         int
	State       State
	RetriesUsed int

	//set by the database on insert, drives deterministic dispatch order
	InsertIdx int

	notif Notifier
}

// New returns a zeroed task ready for the directive handlers.
func New() *Task {
	env, _ := envset.New(8, 8)
	return &Task{
		State:          Loaded,
		RespawnRetries: -1,
		Env:            env,
	}
}

// SetNotifier wires the task's state transitions to an event sink.
func (t *Task) SetNotifier(n Notifier) {
	t.notif = n
}

// AllProvides returns the union of the implicit spawn/wait/fail events and
// the explicit PROVIDES set.
func (t *Task) AllProvides() []string {
	out := []string{EventSpawn, EventWait, EventFail}
	return append(out, t.Provides...)
}

// ProvidesEvent reports whether the task emits the named event.
func (t *Task) ProvidesEvent(ev string) bool {
	for _, p := range t.AllProvides() {
		if p == ev {
			return true
		}
	}
	return false
}

// SetState transitions the task and publishes the built-in events tied to
// the new state: spawn on RUNNING, wait plus the explicit provides on DONE,
// fail on FAILED.
func (t *Task) SetState(st State) {
	if t.State == st {
		return
	}
	t.State = st
	if t.notif == nil {
		return
	}
	switch st {
	case Running:
		t.notif.Publish(t.Name, EventSpawn)
	case Done:
		t.notif.Publish(t.Name, EventWait)
		for _, p := range t.Provides {
			t.notif.Publish(t.Name, p)
		}
	case Failed:
		t.notif.Publish(t.Name, EventFail)
	}
}

// RecordPID stores the live child PID; only valid while RUNNING.
func (t *Task) RecordPID(pid int) {
	t.PID = pid
}

// ClearPID drops the PID when the child is gone.
func (t *Task) ClearPID() {
	t.PID = 0
}

// BumpRetries consumes one unit of the respawn budget and reports whether
// any budget remains. A negative budget is unlimited.
func (t *Task) BumpRetries() (ok bool) {
	if t.RespawnRetries < 0 {
		t.RetriesUsed++
		return true
	}
	if t.RetriesUsed >= t.RespawnRetries {
		return false
	}
	t.RetriesUsed++
	return true
}

// ResetRetries re-arms the respawn budget, used when a trigger re-enters a
// completed task.
func (t *Task) ResetRetries() {
	t.RetriesUsed = 0
}

// ExpandArgs substitutes the PID marker in every argument of cmd with the
// decimal form of pid.
func ExpandArgs(cmd Command, pid int) []string {
	out := make([]string, len(cmd.Argv))
	pidstr := strconv.Itoa(pid)
	for i, a := range cmd.Argv {
		out[i] = strings.ReplaceAll(a, PIDMarker, pidstr)
	}
	return out
}
