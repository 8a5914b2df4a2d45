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
	"os"
	"strings"

	"github.com/crinit/crinit/lexers"
	"github.com/crinit/crinit/options"
)

// KCmdlinePath is where the kernel exposes the boot command line.
const KCmdlinePath = `/proc/cmdline`

// KCmdlinePrefix selects the keys that belong to the supervisor.
const KCmdlinePrefix = `crinit.`

// ParseSeriesInto runs a series file's directive stream into the given
// option store. Duplicate non array directives are rejected.
func ParseSeriesInto(path string, opts *options.Store) error {
	dirs, err := ReadFile(path)
	if err != nil {
		return err
	}
	tgt := &Target{Opts: opts}
	seen := make(map[string]bool)
	for _, d := range dirs {
		ent, ok := seriesTable.lookup(d.Key)
		if !ok {
			return fmt.Errorf("%s: %w: %s", path, ErrUnknownKey, d.Key)
		}
		if !ent.arrayLike {
			if seen[d.Key] {
				return fmt.Errorf("%s: %w: %s", path, ErrDupDirective, d.Key)
			}
			seen[d.Key] = true
		}
		if err = ent.hnd(tgt, d.Val, CtxSeries); err != nil {
			return fmt.Errorf("%s: %s: %w", path, d.Key, err)
		}
	}
	return nil
}

// ParseSeries borrows the global option store and fills it from the series
// file.
func ParseSeries(path string) error {
	opts := options.Borrow()
	defer options.Remit()
	return ParseSeriesInto(path, opts)
}

// ParseKCmdlineInto applies the crinit.* boot time overrides from a kernel
// command line text. Unknown crinit.* keys are an error; everything outside
// the namespace is ignored.
func ParseKCmdlineInto(cmdline string, opts *options.Store) error {
	tgt := &Target{Opts: opts}
	var pos int
	for {
		tok, b, e := lexers.KCmdlineLex(cmdline, &pos)
		switch tok {
		case lexers.TokenEnd:
			return nil
		case lexers.TokenErr:
			return fmt.Errorf("%w: kernel cmdline at offset %d", ErrBadLine, pos)
		case lexers.TokenVar, lexers.TokenDQVar:
			key, val := lexers.KCmdlineSplit(cmdline[b:e])
			if !strings.HasPrefix(key, KCmdlinePrefix) {
				continue
			}
			key = strings.TrimPrefix(key, KCmdlinePrefix)
			ent, ok := kcmdTable.lookup(key)
			if !ok {
				return fmt.Errorf("%w: %s%s", ErrUnknownKey, KCmdlinePrefix, key)
			}
			if err := ent.hnd(tgt, val, CtxKCmdline); err != nil {
				return fmt.Errorf("%s%s: %w", KCmdlinePrefix, key, err)
			}
		}
	}
}

// ParseKCmdline reads /proc/cmdline and applies the overrides to the
// borrowed option store.
func ParseKCmdline() error {
	bts, err := os.ReadFile(KCmdlinePath)
	if err != nil {
		return err
	}
	opts := options.Borrow()
	defer options.Remit()
	return ParseKCmdlineInto(strings.TrimSpace(string(bts)), opts)
}
