/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package cgroup applies cgroup v2 configuration: it creates group
// directories below the unified hierarchy root, writes controller
// parameters, and moves child PIDs into their groups.
package cgroup

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/crinit/crinit/options"
)

// DefaultRoot is the mount point of the unified hierarchy.
const DefaultRoot = `/sys/fs/cgroup`

var (
	ErrNoName = errors.New("cgroup has no name")
)

// Path returns the directory of a group below the hierarchy root, honoring
// its optional parent.
func Path(root string, def options.CgroupDef) string {
	if root == `` {
		root = DefaultRoot
	}
	if def.Parent != `` {
		return filepath.Join(root, def.Parent, def.Name)
	}
	return filepath.Join(root, def.Name)
}

// Configure creates the group directory and writes every parameter file.
// Configuring an existing group rewrites its parameters.
func Configure(root string, def options.CgroupDef) error {
	if def.Name == `` {
		return ErrNoName
	}
	dir := Path(root, def)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, p := range def.Params {
		if err := os.WriteFile(filepath.Join(dir, p.File), []byte(p.Value), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Assign moves a PID into the group by appending it to cgroup.procs.
func Assign(root string, def options.CgroupDef, pid int) error {
	if def.Name == `` {
		return ErrNoName
	}
	f, err := os.OpenFile(filepath.Join(Path(root, def), `cgroup.procs`), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(pid) + "\n")
	return err
}
