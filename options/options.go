/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package options implements the process wide global option store. Access
// follows a borrow and remit discipline: Borrow hands out the record under
// an exclusive lock, Remit returns it. There are no concurrent readers; the
// dispatcher is the steady state owner and everyone else holds the record
// only long enough to copy what they need.
package options

import (
	"sync"
	"time"

	"github.com/crinit/crinit/envset"
)

const (
	DefaultTaskSuffix     = `.crinit`
	DefaultInclSuffix     = `.crincl`
	DefaultLauncherCmd    = `/usr/bin/crinit-launch`
	DefaultElosServer     = `127.0.0.1`
	DefaultElosPort       = 54321
	DefaultElosPollIvl    = 500 * time.Millisecond
	DefaultShdGracePeriod = 10_000_000 //microseconds
	DefaultSigKeyDir      = `/etc/crinit/keys`

	envSetStartSize = 32
	envSetSizeInc   = 32
)

// CgroupParam is one (filename, option) pair written below a cgroup dir.
type CgroupParam struct {
	File  string
	Value string
}

// CgroupDef is a named cgroup with its parameter list, optionally nested
// below a parent group.
type CgroupDef struct {
	Name   string
	Parent string
	Params []CgroupParam
}

// FilterDef is a named external event filter: a set of field predicates an
// incoming event must satisfy.
type FilterDef struct {
	Name   string
	Fields map[string]FieldPred
}

// FieldPred is a single (op, value) predicate over an event field.
type FieldPred struct {
	Op    string
	Value string
}

// Store is the global option record. Fields correspond one to one with the
// series file directives.
type Store struct {
	Tasks              []string //explicit task file list
	TaskDir            string
	TaskSuffix         string
	TaskDirSymlinks    bool
	IncludeDir         string
	IncludeSuffix      string
	Debug              bool
	UseSyslog          bool
	UseElos            bool
	ElosServer         string
	ElosPort           uint16
	ElosPollInterval   time.Duration
	ShdGracePeriodUs   uint64
	LauncherCmd        string
	Env                *envset.EnvSet
	Filters            []FilterDef
	RootCgroups        []CgroupDef
	SignaturesRequired bool //kernel cmdline only
	SigKeyDir          string //kernel cmdline only
}

var (
	mtx sync.Mutex
	gs  *Store
)

// InitDefault populates the store with every documented default and makes it
// borrowable. Any previous store is discarded.
func InitDefault() {
	mtx.Lock()
	defer mtx.Unlock()
	env, _ := envset.New(envSetStartSize, envSetSizeInc)
	gs = &Store{
		TaskSuffix:       DefaultTaskSuffix,
		IncludeSuffix:    DefaultInclSuffix,
		LauncherCmd:      DefaultLauncherCmd,
		ElosServer:       DefaultElosServer,
		ElosPort:         DefaultElosPort,
		ElosPollInterval: DefaultElosPollIvl,
		ShdGracePeriodUs: DefaultShdGracePeriod,
		SigKeyDir:        DefaultSigKeyDir,
		Env:              env,
	}
}

// Borrow takes exclusive ownership of the store. Every Borrow must be paired
// with a Remit; a second Borrow before the Remit blocks.
func Borrow() *Store {
	mtx.Lock()
	if gs == nil {
		mtx.Unlock()
		panic("options store used before InitDefault")
	}
	return gs
}

// Remit returns the store after a Borrow.
func Remit() {
	mtx.Unlock()
}

// WithStore borrows the store for the duration of fn. Convenience for the
// short copy-what-you-need accesses.
func WithStore(fn func(s *Store)) {
	s := Borrow()
	defer Remit()
	fn(s)
}

// GracePeriod returns the shutdown grace period as a duration.
func (s *Store) GracePeriod() time.Duration {
	return time.Duration(s.ShdGracePeriodUs) * time.Microsecond
}
