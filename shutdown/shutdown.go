/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package shutdown is the signal and shutdown orchestrator. Signal
// delivery does no work in handler context; the runtime queues each signal
// on a channel and the watch goroutine translates it into the shutdown
// latch on the event bus, which every other component observes.
package shutdown

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/logio"
)

// Action is what happens to the machine once the scheduler has drained.
type Action int

const (
	ActionExit Action = iota //plain process exit, the non PID 1 path
	ActionHalt
	ActionPoweroff
	ActionReboot
)

func (a Action) String() string {
	switch a {
	case ActionExit:
		return `exit`
	case ActionHalt:
		return `halt`
	case ActionPoweroff:
		return `poweroff`
	case ActionReboot:
		return `reboot`
	}
	return `unknown`
}

type Orchestrator struct {
	mtx    sync.Mutex
	bus    *events.Bus
	lg     *logio.Logger
	sigCh  chan os.Signal
	action Action
}

func New(bus *events.Bus, lg *logio.Logger) *Orchestrator {
	if lg == nil {
		lg = logio.NewDiscardLogger()
	}
	return &Orchestrator{
		bus:   bus,
		lg:    lg,
		sigCh: make(chan os.Signal, 8),
	}
}

// Install registers the signal set and starts the watch goroutine.
// SIGTERM requests poweroff, SIGINT requests reboot (the three finger
// salute reaches PID 1 as SIGINT), SIGUSR1 requests poweroff as well, and
// SIGCHLD drives orphan reaping on a real boot.
func (o *Orchestrator) Install() {
	signal.Notify(o.sigCh, unix.SIGTERM, unix.SIGINT, unix.SIGUSR1, unix.SIGCHLD)
	go o.watch()
}

func (o *Orchestrator) watch() {
	for sig := range o.sigCh {
		switch sig {
		case unix.SIGCHLD:
			o.reapOrphans()
		case unix.SIGINT:
			o.RequestShutdown(ActionReboot)
		case unix.SIGTERM, unix.SIGUSR1:
			o.RequestShutdown(ActionPoweroff)
		}
	}
}

// RequestShutdown records the requested action and latches the shutdown
// broadcast; the first request wins.
func (o *Orchestrator) RequestShutdown(a Action) {
	o.mtx.Lock()
	if !o.bus.ShuttingDown() {
		o.action = a
		o.lg.Info(`shutdown requested`, logio.KV(`action`, a.String()))
	}
	o.mtx.Unlock()
	o.bus.RequestShutdown()
}

// Action returns the action latched by the first shutdown request.
func (o *Orchestrator) Action() Action {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.action
}

// reapOrphans collects children re-parented onto PID 1. The runtime waits
// on the supervisor's own children itself, so this only runs on a real
// boot.
func (o *Orchestrator) reapOrphans() {
	if os.Getpid() != 1 {
		return
	}
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// Finalize carries out the latched action once the scheduler has drained.
// As PID 1 it invokes reboot(2); otherwise it returns and the caller exits
// normally.
func (o *Orchestrator) Finalize() error {
	a := o.Action()
	if os.Getpid() != 1 || a == ActionExit {
		return nil
	}
	unix.Sync()
	switch a {
	case ActionHalt:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_HALT)
	case ActionPoweroff:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	case ActionReboot:
		return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
	}
	return nil
}
