/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package taskdb holds the collection of all loaded tasks. The database
// owns its tasks exclusively. Every method takes the database lock for its
// own call only; the dispatcher does not hold the lock across a scheduling
// decision. Borrow and Remit take and release that same lock, so no other
// method can be called between them.
package taskdb

import (
	"errors"
	"sort"
	"sync"

	"github.com/crinit/crinit/task"
)

var (
	ErrDupTask  = errors.New("duplicate task name")
	ErrNotFound = errors.New("no such task")
	ErrNilTask  = errors.New("nil task")
	ErrNoName   = errors.New("task has no name")
)

type DB struct {
	mtx     sync.Mutex
	tasks   map[string]*task.Task
	nextIdx int
}

func New() *DB {
	return &DB{
		tasks: make(map[string]*task.Task),
	}
}

// Borrow takes the database lock; every Borrow pairs with a Remit.
func (db *DB) Borrow() {
	db.mtx.Lock()
}

func (db *DB) Remit() {
	db.mtx.Unlock()
}

// Insert adds a task under its name and stamps its insertion index.
// Duplicate names are rejected.
func (db *DB) Insert(t *task.Task) error {
	if t == nil {
		return ErrNilTask
	}
	if t.Name == `` {
		return ErrNoName
	}
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.tasks[t.Name]; ok {
		return ErrDupTask
	}
	t.InsertIdx = db.nextIdx
	db.nextIdx++
	db.tasks[t.Name] = t
	return nil
}

// Remove drops the named task.
func (db *DB) Remove(name string) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.tasks[name]; !ok {
		return ErrNotFound
	}
	delete(db.tasks, name)
	return nil
}

// Lookup finds a task by name.
func (db *DB) Lookup(name string) (*task.Task, bool) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	t, ok := db.tasks[name]
	return t, ok
}

// Len returns the number of tasks held.
func (db *DB) Len() int {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return len(db.tasks)
}

// ForEach runs fn over every task in deterministic (insertion index, name)
// order. The database is locked for the duration; fn must not call back
// into the database.
func (db *DB) ForEach(fn func(t *task.Task)) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, t := range db.ordered() {
		fn(t)
	}
}

// Ordered returns the tasks in (insertion index, name) order.
func (db *DB) Ordered() []*task.Task {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.ordered()
}

func (db *DB) ordered() []*task.Task {
	out := make([]*task.Task, 0, len(db.tasks))
	for _, t := range db.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InsertIdx != out[j].InsertIdx {
			return out[i].InsertIdx < out[j].InsertIdx
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ValidateDeps checks that every (task, event) reference in any dependency
// or trigger set names a task providing that event, or an external event
// namespace the bus adapter recognizes.
func (db *DB) ValidateDeps(externalOK func(name string) bool) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, t := range db.tasks {
		for _, d := range append(append([]task.DepRef{}, t.Deps...), t.Trig...) {
			if prov, ok := db.tasks[d.Task]; ok {
				if !prov.ProvidesEvent(d.Event) {
					return errors.New("task " + t.Name + " references unprovided event " + d.String())
				}
				continue
			}
			if externalOK != nil && externalOK(d.Task) {
				continue
			}
			return errors.New("task " + t.Name + " references unknown task " + d.Task)
		}
	}
	return nil
}
