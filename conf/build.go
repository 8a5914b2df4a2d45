/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package conf

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/crinit/crinit/task"
)

// IncludeResolver locates include files named by INCLUDE directives.
type IncludeResolver struct {
	Dir    string
	Suffix string
}

func (ir IncludeResolver) path(name string) string {
	return filepath.Join(ir.Dir, name+ir.Suffix)
}

// hdlInclude only fires when an INCLUDE directive survives into handler
// dispatch, which means the stream was never run through expandIncludes.
func hdlInclude(tgt *Target, val string, ctx Ctx) error {
	return fmt.Errorf("%w: INCLUDE outside task file parsing", ErrWrongContext)
}

// expandIncludes splices the directive streams of included files in place
// of their INCLUDE directives. Directives arriving via include are marked
// and later checked against the include safe flag; include files must not
// include further files.
func expandIncludes(dirs []Directive, ir IncludeResolver) ([]Directive, error) {
	out := make([]Directive, 0, len(dirs))
	for _, d := range dirs {
		if d.Key != `INCLUDE` {
			out = append(out, d)
			continue
		}
		name := strings.TrimSpace(d.Val)
		if name == `` {
			return nil, fmt.Errorf("%w: empty INCLUDE", ErrBadValue)
		}
		if ir.Dir == `` {
			return nil, fmt.Errorf("%w: INCLUDE used without INCLUDEDIR", ErrBadValue)
		}
		sub, err := ReadFile(ir.path(name))
		if err != nil {
			return nil, err
		}
		for _, sd := range sub {
			if sd.Key == `INCLUDE` {
				return nil, ErrNestedInclude
			}
			sd.included = true
			out = append(out, sd)
		}
	}
	return out, nil
}

// NewTask runs a directive list against a fresh task record and validates
// the result: NAME present, at least one COMMAND, duplicate non array
// directives rejected, include safety enforced.
func NewTask(dirs []Directive) (*task.Task, error) {
	t := task.New()
	tgt := &Target{Task: t}
	seen := make(map[string]bool)
	for _, d := range dirs {
		ent, ok := taskTable.lookup(d.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, d.Key)
		}
		if d.included && !ent.includeSafe {
			return nil, fmt.Errorf("%w: %s", ErrNotInclSafe, d.Key)
		}
		if !ent.arrayLike {
			if seen[d.Key] {
				return nil, fmt.Errorf("%w: %s", ErrDupDirective, d.Key)
			}
			seen[d.Key] = true
		}
		if err := ent.hnd(tgt, d.Val, CtxTask); err != nil {
			return nil, fmt.Errorf("%s: %w", d.Key, err)
		}
	}
	if t.Name == `` {
		return nil, ErrNoName
	}
	if len(t.StartCmds) == 0 {
		return nil, ErrNoCommand
	}
	return t, nil
}

// NewTaskFromFile reads a task file, splices its includes, and builds the
// task record.
func NewTaskFromFile(path string, ir IncludeResolver) (*task.Task, error) {
	dirs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if dirs, err = expandIncludes(dirs, ir); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t, err := NewTask(dirs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
