/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package elos implements the external event adapter: a polling TCP client
// that reads newline delimited JSON events from an elos server, evaluates
// the configured filter definitions against each, and republishes matches
// onto the internal bus under the @elos namespace.
package elos

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/logio"
	"github.com/crinit/crinit/options"
)

// Namespace is the task-name namespace external events are published under;
// a task depends or triggers on `@elos:<filtername>`.
const Namespace = `@elos`

var (
	ErrNotConnected = errors.New("elos client is not connected")
	ErrPollTimeout  = errors.New("no event before deadline")
)

type Client struct {
	mtx       sync.Mutex
	addr      string
	interval  time.Duration
	conn      net.Conn
	rdr       *bufio.Reader
	bus       *events.Bus
	filters   []options.FilterDef
	satisfied map[string]bool
	lg        *logio.Logger
}

// New builds a client from the global option values. Dial happens on Run or
// an explicit Connect so the supervisor can come up before the elos daemon.
func New(server string, port uint16, interval time.Duration, filters []options.FilterDef, bus *events.Bus, lg *logio.Logger) *Client {
	if lg == nil {
		lg = logio.NewDiscardLogger()
	}
	return &Client{
		addr:      net.JoinHostPort(server, strconv.Itoa(int(port))),
		interval:  interval,
		bus:       bus,
		filters:   filters,
		satisfied: make(map[string]bool),
		lg:        lg,
	}
}

// ExternalName reports whether a dependency target lives in this adapter's
// namespace; the database dep validator uses it.
func ExternalName(name string) bool {
	return name == Namespace
}

func (c *Client) Connect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout(`tcp`, c.addr, c.interval)
	if err != nil {
		return err
	}
	c.conn = conn
	c.rdr = bufio.NewReader(conn)
	return nil
}

func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	err := c.conn.Close()
	c.conn = nil
	c.rdr = nil
	return err
}

// Poll blocks until one external event arrives or the deadline passes.
// The decoded event object is returned; a deadline pass returns
// ErrPollTimeout.
func (c *Client) Poll(deadline time.Time) (map[string]interface{}, error) {
	c.mtx.Lock()
	conn, rdr := c.conn, c.rdr
	c.mtx.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	ln, err := rdr.ReadBytes('\n')
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, ErrPollTimeout
		}
		return nil, err
	}
	var ev map[string]interface{}
	if err = json.Unmarshal(ln, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// HandleEvent evaluates every filter against the event, updates the
// snapshot, and publishes a bus event for each filter that matches.
func (c *Client) HandleEvent(ev map[string]interface{}) {
	for _, f := range c.filters {
		if Match(f, ev) {
			c.mtx.Lock()
			c.satisfied[f.Name] = true
			c.mtx.Unlock()
			c.bus.Publish(Namespace, f.Name)
		}
	}
}

// Satisfied reports whether the named filter has matched in the latest
// snapshot; the ready predicate consults this.
func (c *Client) Satisfied(name string) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.satisfied[name]
}

// Run is the dedicated polling context: it reconnects as needed, polls on
// the configured cadence, and exits when the bus latches shutdown.
func (c *Client) Run() {
	for {
		if c.bus.ShuttingDown() {
			return
		}
		if err := c.Connect(); err != nil {
			c.lg.Warn(`elos connect failed`, logio.KV(`server`, c.addr), logio.KVErr(err))
			if !c.sleepInterruptible() {
				return
			}
			continue
		}
		ev, err := c.Poll(time.Now().Add(c.interval))
		if c.bus.ShuttingDown() {
			return
		}
		switch {
		case err == nil:
			c.HandleEvent(ev)
		case errors.Is(err, ErrPollTimeout):
			//nothing pending this cadence
		default:
			c.lg.Warn(`elos poll failed`, logio.KVErr(err))
			c.Close()
			if !c.sleepInterruptible() {
				return
			}
		}
	}
}

func (c *Client) sleepInterruptible() bool {
	tmr := time.NewTimer(c.interval)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return true
	case <-c.bus.Done():
		return false
	}
}
