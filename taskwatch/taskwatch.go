/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package taskwatch loads task files dropped into the task directory after
// boot: a create or rename carrying the task suffix is parsed, signature
// checked when signatures are enforced, and inserted into the running
// database.
package taskwatch

import (
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/crinit/crinit/conf"
	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/logio"
	"github.com/crinit/crinit/task"
	"github.com/crinit/crinit/taskdb"
)

// Verifier checks a task file's detached signature; nil disables checking.
type Verifier func(path string) error

type Watcher struct {
	fw     *fsnotify.Watcher
	db     *taskdb.DB
	bus    *events.Bus
	ir     conf.IncludeResolver
	suffix string
	verify Verifier
	lg     *logio.Logger
}

func New(dir, suffix string, ir conf.IncludeResolver, db *taskdb.DB, bus *events.Bus, verify Verifier, lg *logio.Logger) (*Watcher, error) {
	if lg == nil {
		lg = logio.NewDiscardLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		fw:     fw,
		db:     db,
		bus:    bus,
		ir:     ir,
		suffix: suffix,
		verify: verify,
		lg:     lg,
	}, nil
}

// Run consumes watch events until the bus latches shutdown.
func (w *Watcher) Run() {
	defer w.fw.Close()
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, w.suffix) {
				continue
			}
			w.loadFile(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.lg.Warn(`task watcher error`, logio.KVErr(err))
		case <-w.bus.Done():
			return
		}
	}
}

func (w *Watcher) loadFile(path string) {
	if w.verify != nil {
		if err := w.verify(path); err != nil {
			w.lg.Error(`dropped task file failed signature check`,
				logio.KV(`file`, path), logio.KVErr(err))
			return
		}
	}
	t, err := conf.NewTaskFromFile(path, w.ir)
	if err != nil {
		w.lg.Error(`dropped task file failed to parse`,
			logio.KV(`file`, path), logio.KVErr(err))
		return
	}
	//wire the task before it becomes visible to the dispatcher
	t.SetNotifier(w.bus)
	t.State = task.Waiting
	if err = w.db.Insert(t); err != nil {
		w.lg.Warn(`dropped task file rejected`,
			logio.KV(`file`, path), logio.KV(`task`, t.Name), logio.KVErr(err))
		return
	}
	w.lg.Info(`task added at runtime`, logio.KV(`task`, t.Name), logio.KV(`file`, path))
	//poke the dispatcher so the new task gets evaluated
	w.bus.Publish(t.Name, `load`)
}
