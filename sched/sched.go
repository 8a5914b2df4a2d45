/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sched implements the dependency resolver and dispatcher: a single
// dispatcher goroutine that owns the task database and the ready queue,
// evaluates readiness on every bus wake, starts ready tasks through the
// launcher, and applies respawn policy on child exit. Worker goroutines only
// run commands and report back over channels; all task mutation happens on
// the dispatcher.
package sched

import (
	"container/list"
	"time"

	"github.com/crinit/crinit/envset"
	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/logio"
	"github.com/crinit/crinit/task"
	"github.com/crinit/crinit/taskdb"
)

// ExternalSnapshot exposes the latest external event state; the elos client
// implements it. A task with filter expressions is only ready while every
// filter is satisfied in the snapshot.
type ExternalSnapshot interface {
	Satisfied(name string) bool
}

// Config carries everything the dispatcher needs; the caller resolves
// global options up front so the dispatch path never borrows the store.
type Config struct {
	DB        *taskdb.DB
	Bus       *events.Bus
	Ext       ExternalSnapshot //nil when elos is off
	Log       *logio.Logger
	Launcher  string
	Grace     time.Duration
	GlobalEnv *envset.EnvSet
	BootID    string
}

type spawnMsg struct {
	name string
	pid  int
}

type exitMsg struct {
	name string
	code int
	err  error
	//execFail marks a fork/exec failure rather than a child exit; those
	//never respawn
	execFail bool
}

type Sched struct {
	db       *taskdb.DB
	bus      *events.Bus
	ext      ExternalSnapshot
	lg       *logio.Logger
	launcher string
	grace    time.Duration
	genv     *envset.EnvSet
	bootID   string

	sub      *events.Sub
	spawnCh  chan spawnMsg
	exitCh   chan exitMsg
	readyQ   *list.List
	pgids    map[string]int    //running task -> process group
	trigSnap map[string]uint64 //task -> trigger fire count at last completion
}

func New(cfg Config) *Sched {
	lg := cfg.Log
	if lg == nil {
		lg = logio.NewDiscardLogger()
	}
	genv := cfg.GlobalEnv
	if genv == nil {
		genv, _ = envset.New(8, 8)
	}
	return &Sched{
		db:       cfg.DB,
		bus:      cfg.Bus,
		ext:      cfg.Ext,
		lg:       lg,
		launcher: cfg.Launcher,
		grace:    cfg.Grace,
		genv:     genv,
		bootID:   cfg.BootID,
		sub:      cfg.Bus.Subscribe(`*`),
		spawnCh:  make(chan spawnMsg, 16),
		exitCh:   make(chan exitMsg, 16),
		readyQ:   list.New(),
		pgids:    make(map[string]int),
		trigSnap: make(map[string]uint64),
	}
}

// Load moves every LOADED task to WAITING and wires its notifier to the
// bus. Called once before Run.
func (s *Sched) Load() {
	s.db.ForEach(func(t *task.Task) {
		t.SetNotifier(s.bus)
		if t.State == task.Loaded {
			t.SetState(task.Waiting)
		}
	})
}

// Run is the dispatcher loop. It returns when the database is empty, or
// when shutdown was requested and no task remains RUNNING.
func (s *Sched) Run() {
	for {
		if s.db.Len() == 0 {
			return
		}
		if s.bus.ShuttingDown() {
			s.stopAll()
			return
		}
		s.evaluate()
		s.dispatch()
		select {
		case <-s.sub.Wake():
			s.sub.Drain()
		case m := <-s.spawnCh:
			s.handleSpawn(m)
		case m := <-s.exitCh:
			//a worker always reports the spawn before the exit; drain so
			//no subscriber can observe a completion before its start
			s.drainSpawns()
			s.handleExit(m)
		case <-s.bus.Done():
			s.stopAll()
			return
		}
	}
}

// evaluate moves WAITING tasks whose constraints are met into the ready
// queue, in deterministic (insertion index, name) order.
func (s *Sched) evaluate() {
	for _, t := range s.db.Ordered() {
		if t.State != task.Waiting || !s.ready(t) {
			continue
		}
		t.SetState(task.Ready)
		s.readyQ.PushBack(t)
	}
}

// ready is the readiness predicate: every dependency has fired at least
// once since load, every filter expression is satisfied by the external
// snapshot, and, for tasks with a trigger set, at least one trigger has
// fired since the last completion.
func (s *Sched) ready(t *task.Task) bool {
	for _, d := range t.Deps {
		if !s.bus.Fired(d.Task, d.Event) {
			return false
		}
	}
	for _, f := range t.Filters {
		if s.ext == nil || !s.ext.Satisfied(f.Name) {
			return false
		}
	}
	if len(t.Trig) > 0 {
		if s.trigCount(t) <= s.trigSnap[t.Name] {
			return false
		}
	}
	return true
}

func (s *Sched) trigCount(t *task.Task) (sum uint64) {
	for _, tr := range t.Trig {
		sum += s.bus.FireCount(tr.Task, tr.Event)
	}
	return
}

// dispatch drains the ready queue and starts each task.
func (s *Sched) dispatch() {
	for s.readyQ.Len() > 0 {
		el := s.readyQ.Front()
		s.readyQ.Remove(el)
		t := el.Value.(*task.Task)
		if t.State != task.Ready {
			continue //stopped or removed while queued
		}
		s.startTask(t)
	}
}

func (s *Sched) startTask(t *task.Task) {
	t.SetState(task.Starting)
	s.lg.Info(`starting task`, logio.KV(`task`, t.Name))
	env, err := s.taskEnv(t)
	if err != nil {
		s.lg.Error(`environment build failed`, logio.KV(`task`, t.Name), logio.KVErr(err))
		t.SetState(task.Failed)
		return
	}
	go s.runTask(t, env)
}

// taskEnv merges the task fragment over the global set and exports it.
func (s *Sched) taskEnv(t *task.Task) ([]string, error) {
	merged := s.genv.Dup()
	merged.Merge(t.Env)
	if s.bootID != `` {
		merged.Set(`CRINIT_BOOT_ID`, s.bootID)
	}
	merged.Set(`CRINIT_TASK_NAME`, t.Name)
	return merged.Export()
}

func (s *Sched) drainSpawns() {
	for {
		select {
		case m := <-s.spawnCh:
			s.handleSpawn(m)
		default:
			return
		}
	}
}

func (s *Sched) handleSpawn(m spawnMsg) {
	t, ok := s.db.Lookup(m.name)
	if !ok {
		return
	}
	switch t.State {
	case task.Starting:
		t.SetState(task.Running)
	case task.Running:
	default:
		//stale report from a worker whose task already left RUNNING
		return
	}
	t.RecordPID(m.pid)
	s.pgids[m.name] = m.pid
}

func (s *Sched) handleExit(m exitMsg) {
	t, ok := s.db.Lookup(m.name)
	if !ok {
		return
	}
	t.ClearPID()
	delete(s.pgids, m.name)
	switch {
	case m.code == 0 && m.err == nil:
		s.lg.Info(`task finished`, logio.KV(`task`, m.name))
		t.SetState(task.Done)
		if len(t.Trig) > 0 {
			//re-arm: the task re-enters the waiting pool until a trigger
			//fires again
			s.trigSnap[m.name] = s.trigCount(t)
			t.ResetRetries()
			t.SetState(task.Waiting)
		}
	case !m.execFail && t.Respawn && !s.bus.ShuttingDown() && t.BumpRetries():
		s.lg.Warn(`task exited, respawning`,
			logio.KV(`task`, m.name), logio.KV(`code`, m.code),
			logio.KV(`retries`, t.RetriesUsed))
		t.SetState(task.Waiting)
	default:
		s.lg.Error(`task failed`,
			logio.KV(`task`, m.name), logio.KV(`code`, m.code), logio.KVErr(m.err))
		t.SetState(task.Failed)
	}
}
