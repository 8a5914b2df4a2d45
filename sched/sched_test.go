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
	"path/filepath"
	"testing"
	"time"

	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/task"
	"github.com/crinit/crinit/taskdb"
)

// fakeLauncher emulates the privilege dropping helper: it strips the option
// flags and execs the real command.
const fakeLauncher = `#!/bin/sh
cmd=
while [ $# -gt 0 ]; do
	case "$1" in
	--cmd=*) cmd=${1#--cmd=} ;;
	--) shift; break ;;
	esac
	shift
done
exec "$cmd" "$@"
`

func writeLauncher(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), `launch`)
	if err := os.WriteFile(p, []byte(fakeLauncher), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func mktask(name string, argv ...string) *task.Task {
	tk := task.New()
	tk.Name = name
	if len(argv) > 0 {
		tk.StartCmds = []task.Command{{Argv: argv}}
	}
	return tk
}

func newSched(t *testing.T, db *taskdb.DB, bus *events.Bus, ext ExternalSnapshot) *Sched {
	t.Helper()
	return New(Config{
		DB:       db,
		Bus:      bus,
		Ext:      ext,
		Launcher: writeLauncher(t),
		Grace:    2 * time.Second,
	})
}

// collect drains sub until want (task,event) shows up or the deadline
// passes, returning everything seen.
func collect(t *testing.T, sub *events.Sub, want events.Event, deadline time.Duration) []events.Event {
	t.Helper()
	var seen []events.Event
	tmo := time.After(deadline)
	for {
		for _, ev := range sub.Drain() {
			seen = append(seen, ev)
			if ev == want {
				return seen
			}
		}
		select {
		case <-sub.Wake():
		case <-tmo:
			t.Fatal("deadline waiting for", want, "saw", seen)
		}
	}
}

func TestSingleTaskRunsToDone(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	if err := db.Insert(mktask(`hello`, `/bin/echo`, `hi`)); err != nil {
		t.Fatal(err)
	}
	sub := bus.Subscribe(`hello`)
	s := newSched(t, db, bus, nil)
	s.Load()
	done := make(chan bool)
	go func() { s.Run(); close(done) }()

	seen := collect(t, sub, events.Event{Task: `hello`, Name: `wait`}, 5*time.Second)
	if seen[0] != (events.Event{Task: `hello`, Name: `spawn`}) {
		t.Fatal("spawn not observed before wait", seen)
	}
	bus.RequestShutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not exit")
	}
}

func TestLinearDependency(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	a := mktask(`a`, `/bin/echo`, `first`)
	b := mktask(`b`, `/bin/echo`, `second`)
	b.Deps = []task.DepRef{{Task: `a`, Event: `wait`}}
	db.Insert(a)
	db.Insert(b)
	sub := bus.Subscribe(`*`)
	s := newSched(t, db, bus, nil)
	s.Load()
	done := make(chan bool)
	go func() { s.Run(); close(done) }()

	seen := collect(t, sub, events.Event{Task: `b`, Name: `wait`}, 5*time.Second)
	//a's completion must precede b's start
	var aWait, bSpawn int
	for i, ev := range seen {
		if ev.Task == `a` && ev.Name == `wait` {
			aWait = i
		} else if ev.Task == `b` && ev.Name == `spawn` {
			bSpawn = i
		}
	}
	if aWait >= bSpawn {
		t.Fatal("b dispatched before a completed", seen)
	}
	bus.RequestShutdown()
	<-done
}

func TestFailedDepBlocksDependent(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	a := mktask(`a`, `/bin/false`)
	b := mktask(`b`, `/bin/echo`, `never`)
	b.Deps = []task.DepRef{{Task: `a`, Event: `wait`}}
	db.Insert(a)
	db.Insert(b)
	sub := bus.Subscribe(`*`)
	s := newSched(t, db, bus, nil)
	s.Load()
	done := make(chan bool)
	go func() { s.Run(); close(done) }()

	seen := collect(t, sub, events.Event{Task: `a`, Name: `fail`}, 5*time.Second)
	for _, ev := range seen {
		if ev.Task == `b` {
			t.Fatal("b progressed despite failed dependency", seen)
		}
	}
	bus.RequestShutdown()
	<-done
}

func TestRespawnBudget(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	loop := mktask(`loop`, `/bin/false`)
	loop.Respawn = true
	loop.RespawnRetries = 2
	db.Insert(loop)
	sub := bus.Subscribe(`loop`)
	s := newSched(t, db, bus, nil)
	s.Load()
	done := make(chan bool)
	go func() { s.Run(); close(done) }()

	seen := collect(t, sub, events.Event{Task: `loop`, Name: `fail`}, 10*time.Second)
	var spawns int
	for _, ev := range seen {
		if ev.Name == `spawn` {
			spawns++
		}
	}
	//initial dispatch plus two retries
	if spawns != 3 {
		t.Fatal("bad dispatch count", spawns, seen)
	}
	bus.RequestShutdown()
	<-done
}

type fakeExt struct {
	sat map[string]bool
}

func (f fakeExt) Satisfied(name string) bool { return f.sat[name] }

func TestReadyPredicate(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	ext := fakeExt{sat: map[string]bool{}}
	s := newSched(t, db, bus, ext)

	tk := mktask(`t`, `/bin/true`)
	tk.Deps = []task.DepRef{{Task: `a`, Event: `wait`}}
	tk.Filters = []options.FilterDef{{Name: `net-up`}}
	tk.Trig = []task.DepRef{{Task: `@elos`, Event: `net-up`}}
	db.Insert(tk)
	tk.State = task.Waiting

	if s.ready(tk) {
		t.Fatal("ready with nothing satisfied")
	}
	bus.Publish(`a`, `wait`)
	if s.ready(tk) {
		t.Fatal("ready without filter satisfaction")
	}
	ext.sat[`net-up`] = true
	if s.ready(tk) {
		t.Fatal("ready without trigger fire")
	}
	bus.Publish(`@elos`, `net-up`)
	if !s.ready(tk) {
		t.Fatal("not ready with everything satisfied")
	}

	//completion snapshots the trigger; a new fire is needed to re-ready
	s.trigSnap[`t`] = s.trigCount(tk)
	if s.ready(tk) {
		t.Fatal("ready without a fresh trigger fire")
	}
	bus.Publish(`@elos`, `net-up`)
	if !s.ready(tk) {
		t.Fatal("fresh trigger fire ignored")
	}
}

func TestEvaluateOrder(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	for _, n := range []string{`zeta`, `alpha`, `mid`} {
		tk := mktask(n, `/bin/true`)
		db.Insert(tk)
		tk.State = task.Waiting
	}
	s.evaluate()
	var got []string
	for el := s.readyQ.Front(); el != nil; el = el.Next() {
		got = append(got, el.Value.(*task.Task).Name)
	}
	want := []string{`zeta`, `alpha`, `mid`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatal("bad ready order", got)
		}
	}
}

func TestHandleExitRespawnStates(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	tk := mktask(`r`, `/bin/false`)
	tk.Respawn = true
	tk.RespawnRetries = 1
	db.Insert(tk)
	tk.State = task.Running

	s.handleExit(exitMsg{name: `r`, code: 1})
	if tk.State != task.Waiting || tk.RetriesUsed != 1 {
		t.Fatal("respawn did not requeue", tk.State, tk.RetriesUsed)
	}
	tk.State = task.Running
	s.handleExit(exitMsg{name: `r`, code: 1})
	if tk.State != task.Failed {
		t.Fatal("budget exhaustion did not fail task", tk.State)
	}
}

func TestHandleExitUnlimitedRetries(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	tk := mktask(`r`, `/bin/false`)
	tk.Respawn = true
	tk.RespawnRetries = -1
	db.Insert(tk)
	for i := 0; i < 100; i++ {
		tk.State = task.Running
		s.handleExit(exitMsg{name: `r`, code: 1})
		if tk.State != task.Waiting {
			t.Fatal("unlimited respawn failed at", i)
		}
	}
}

func TestHandleExitExecFailNeverRespawns(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	tk := mktask(`r`, `/does/not/exist`)
	tk.Respawn = true
	tk.RespawnRetries = -1
	db.Insert(tk)
	tk.State = task.Running
	s.handleExit(exitMsg{name: `r`, code: -1, err: os.ErrNotExist, execFail: true})
	if tk.State != task.Failed {
		t.Fatal("exec failure respawned", tk.State)
	}
}

func TestTriggerReentry(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	tk := mktask(`reactive`, `/bin/true`)
	tk.Trig = []task.DepRef{{Task: `@elos`, Event: `net-up`}}
	db.Insert(tk)
	tk.State = task.Running

	s.handleExit(exitMsg{name: `reactive`, code: 0})
	if tk.State != task.Waiting {
		t.Fatal("triggered task not re-entered", tk.State)
	}
	//without a fresh fire it stays unready
	if s.ready(tk) {
		t.Fatal("ready without fresh trigger")
	}
	bus.Publish(`@elos`, `net-up`)
	if !s.ready(tk) {
		t.Fatal("fresh trigger not honored")
	}
}

func TestReverseDepOrder(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	base := mktask(`base`, `/bin/true`)
	mid := mktask(`mid`, `/bin/true`)
	mid.Deps = []task.DepRef{{Task: `base`, Event: `spawn`}}
	top := mktask(`top`, `/bin/true`)
	top.Deps = []task.DepRef{{Task: `mid`, Event: `spawn`}}
	for _, tk := range []*task.Task{base, mid, top} {
		db.Insert(tk)
		tk.State = task.Running
	}
	var got []string
	for _, tk := range s.reverseDepOrder() {
		got = append(got, tk.Name)
	}
	want := []string{`top`, `mid`, `base`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatal("bad stop order", got)
		}
	}
}

func TestStateRunningHoldsPID(t *testing.T) {
	db := taskdb.New()
	bus := events.NewBus()
	s := newSched(t, db, bus, nil)
	tk := mktask(`p`, `/bin/true`)
	db.Insert(tk)
	tk.State = task.Starting
	s.handleSpawn(spawnMsg{name: `p`, pid: 4711})
	if tk.State != task.Running || tk.PID != 4711 {
		t.Fatal("spawn handling broken", tk.State, tk.PID)
	}
	s.handleExit(exitMsg{name: `p`, code: 0})
	if tk.PID != 0 {
		t.Fatal("PID survives exit")
	}
	if tk.State != task.Done {
		t.Fatal("bad terminal state", tk.State)
	}
}
