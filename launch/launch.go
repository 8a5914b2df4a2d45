/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package launch builds the argument vector for the external privilege
// dropping helper. The supervisor never applies uid/gid, capabilities, or
// cgroup membership itself; it encodes them on the helper's command line
// and the helper applies them between fork and exec of the real command.
package launch

import (
	"errors"
	"strconv"
	"strings"

	"github.com/crinit/crinit/cgroup"
	"github.com/crinit/crinit/task"
)

var (
	ErrEmptyCommand = errors.New("command has no argv")
	ErrNoLauncher   = errors.New("launcher path is empty")
)

// BuildArgv assembles the helper invocation for one command of a task:
//
//	<launcher> --cmd=<argv0> --user=<uid> --group=<gid>[,<supgid>…]
//	           [--capabilities-ambient=<hex>] [--capabilities-inheritable=<hex>]
//	           [--cgroup=<path>] -- <argv1> <argv2> …
//
// argv must already be PID-expanded; BuildArgv does not touch argument
// content.
func BuildArgv(launcher string, t *task.Task, argv []string) ([]string, error) {
	if launcher == `` {
		return nil, ErrNoLauncher
	}
	if len(argv) == 0 || argv[0] == `` {
		return nil, ErrEmptyCommand
	}
	out := make([]string, 0, len(argv)+8)
	out = append(out, launcher)
	out = append(out, `--cmd=`+argv[0])
	out = append(out, `--user=`+strconv.FormatUint(uint64(t.UID), 10))

	groups := make([]string, 0, len(t.SupGroups)+1)
	groups = append(groups, strconv.FormatUint(uint64(t.GID), 10))
	for _, g := range t.SupGroups {
		groups = append(groups, strconv.FormatUint(uint64(g), 10))
	}
	out = append(out, `--group=`+strings.Join(groups, `,`))

	if t.CapsAmbient != 0 {
		out = append(out, `--capabilities-ambient=`+t.CapsAmbient.Hex())
	}
	if t.CapsInheritable != 0 {
		out = append(out, `--capabilities-inheritable=`+t.CapsInheritable.Hex())
	}
	if t.Cgroup != nil {
		out = append(out, `--cgroup=`+cgroup.Path(``, *t.Cgroup))
	}
	out = append(out, `--`)
	out = append(out, argv[1:]...)
	return out, nil
}
