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
	"os/user"
	"strconv"
	"strings"

	"github.com/crinit/crinit/caps"
	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/task"
)

func wantCtx(ctx, want Ctx) error {
	if ctx != want {
		return ErrWrongContext
	}
	return nil
}

func hdlName(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	if val == `` {
		return fmt.Errorf("%w: empty NAME", ErrBadValue)
	}
	if strings.ContainsAny(val, " \t:") {
		return fmt.Errorf("%w: NAME may not contain whitespace or colons", ErrBadValue)
	}
	tgt.Task.Name = val
	return nil
}

func hdlCommand(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	argv, err := splitArgs(val)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty COMMAND", ErrBadValue)
	}
	tgt.Task.StartCmds = append(tgt.Task.StartCmds, task.Command{Argv: argv})
	return nil
}

func hdlStopCommand(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	argv, err := splitArgs(val)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty STOP_COMMAND", ErrBadValue)
	}
	tgt.Task.StopCmds = append(tgt.Task.StopCmds, task.Command{Argv: argv})
	return nil
}

// parseDepList parses a whitespace separated `name:event` list.
func parseDepList(val string) ([]task.DepRef, error) {
	var out []task.DepRef
	for _, f := range strings.Fields(val) {
		idx := strings.LastIndexByte(f, ':')
		if idx <= 0 || idx == len(f)-1 {
			return nil, fmt.Errorf("%w: dependency %q is not name:event", ErrBadValue, f)
		}
		out = append(out, task.DepRef{Task: f[:idx], Event: f[idx+1:]})
	}
	return out, nil
}

func hdlDepends(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	deps, err := parseDepList(val)
	if err != nil {
		return err
	}
	tgt.Task.Deps = append(tgt.Task.Deps, deps...)
	return nil
}

func hdlTrigger(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	trig, err := parseDepList(val)
	if err != nil {
		return err
	}
	tgt.Task.Trig = append(tgt.Task.Trig, trig...)
	return nil
}

func hdlProvides(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	names := strings.Fields(val)
	if len(names) == 0 {
		return fmt.Errorf("%w: empty PROVIDES", ErrBadValue)
	}
	for _, n := range names {
		if strings.ContainsRune(n, ':') {
			return fmt.Errorf("%w: provided event %q may not contain colons", ErrBadValue, n)
		}
	}
	tgt.Task.Provides = append(tgt.Task.Provides, names...)
	return nil
}

func hdlRespawn(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Task.Respawn = b
	return nil
}

func hdlRespawnRetries(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	n, err := parseInt(val)
	if err != nil {
		return err
	}
	if n < -1 {
		return fmt.Errorf("%w: RESPAWN_RETRIES must be >= -1", ErrBadValue)
	}
	tgt.Task.RespawnRetries = n
	return nil
}

func hdlIORedirect(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	redir, err := parseIORedirect(val)
	if err != nil {
		return err
	}
	tgt.Task.IORedirs = append(tgt.Task.IORedirs, redir)
	return nil
}

// parseIORedirect parses `<STREAM> <path|STREAM> [APPEND|TRUNCATE|PIPE] [octal mode]`.
func parseIORedirect(val string) (r task.IORedir, err error) {
	fields, err := splitArgs(val)
	if err != nil {
		return
	}
	if len(fields) < 2 || len(fields) > 4 {
		err = fmt.Errorf("%w: IO_REDIRECT wants 2 to 4 fields", ErrBadValue)
		return
	}
	src := strings.ToUpper(fields[0])
	switch src {
	case `STDIN`, `STDOUT`, `STDERR`:
	default:
		err = fmt.Errorf("%w: unknown stream %q", ErrBadValue, fields[0])
		return
	}
	r.Source = src
	r.Sink = fields[1]
	r.Mode = task.RedirTruncate
	if len(fields) >= 3 {
		switch strings.ToUpper(fields[2]) {
		case `APPEND`:
			r.Mode = task.RedirAppend
		case `TRUNCATE`:
			r.Mode = task.RedirTruncate
		case `PIPE`:
			r.Mode = task.RedirPipe
		default:
			err = fmt.Errorf("%w: unknown redirect mode %q", ErrBadValue, fields[2])
			return
		}
	}
	if len(fields) == 4 {
		var perm uint64
		if perm, err = parseOctal(fields[3]); err != nil {
			return
		}
		r.Perm = uint32(perm)
	}
	return
}

func hdlEnvSet(tgt *Target, val string, ctx Ctx) error {
	switch ctx {
	case CtxTask:
		return tgt.Task.Env.ParseAndSet(val)
	case CtxSeries:
		return tgt.Opts.Env.ParseAndSet(val)
	}
	return ErrWrongContext
}

func hdlFilterDefine(tgt *Target, val string, ctx Ctx) error {
	f, err := parseFilterDefine(val)
	if err != nil {
		return err
	}
	switch ctx {
	case CtxTask:
		tgt.Task.Filters = append(tgt.Task.Filters, f)
	case CtxSeries:
		tgt.Opts.Filters = append(tgt.Opts.Filters, f)
	default:
		return ErrWrongContext
	}
	return nil
}

func hdlUser(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	uid, name, err := resolveUser(strings.TrimSpace(val))
	if err != nil {
		return err
	}
	tgt.Task.UID = uid
	tgt.Task.User = name
	return nil
}

// hdlGroup resolves the primary group and any supplementary groups.
func hdlGroup(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	fields := strings.Fields(val)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty GROUP", ErrBadValue)
	}
	gid, name, err := resolveGroup(fields[0])
	if err != nil {
		return err
	}
	tgt.Task.GID = gid
	tgt.Task.Group = name
	tgt.Task.SupGroups = nil
	for _, f := range fields[1:] {
		sg, _, err := resolveGroup(f)
		if err != nil {
			return err
		}
		tgt.Task.SupGroups = append(tgt.Task.SupGroups, sg)
	}
	return nil
}

// resolveUser accepts a numeric ID or a name; both resolve through the
// system name service so the cached name stays consistent.
func resolveUser(v string) (uint32, string, error) {
	if v == `` {
		return 0, ``, fmt.Errorf("%w: empty USER", ErrBadValue)
	}
	if id, err := parseUint32(v); err == nil {
		if u, lerr := user.LookupId(v); lerr == nil {
			return id, u.Username, nil
		}
		return id, v, nil
	}
	u, err := user.Lookup(v)
	if err != nil {
		return 0, ``, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	id, err := parseUint32(u.Uid)
	if err != nil {
		return 0, ``, err
	}
	return id, u.Username, nil
}

func resolveGroup(v string) (uint32, string, error) {
	if id, err := parseUint32(v); err == nil {
		if g, lerr := user.LookupGroupId(v); lerr == nil {
			return id, g.Name, nil
		}
		return id, v, nil
	}
	g, err := user.LookupGroup(v)
	if err != nil {
		return 0, ``, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	id, err := parseUint32(g.Gid)
	if err != nil {
		return 0, ``, err
	}
	return id, g.Name, nil
}

func hdlCapsAmbient(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	mask, err := caps.FromNames(val)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	tgt.Task.CapsAmbient = mask
	return nil
}

func hdlCapsInheritable(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	mask, err := caps.FromNames(val)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	tgt.Task.CapsInheritable = mask
	return nil
}

func hdlCgroupName(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	val = strings.TrimSpace(val)
	if val == `` {
		return fmt.Errorf("%w: empty CGROUP_NAME", ErrBadValue)
	}
	if tgt.Task.Cgroup == nil {
		tgt.Task.Cgroup = &options.CgroupDef{}
	}
	tgt.Task.Cgroup.Name = val
	return nil
}

func hdlCgroupParams(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxTask); err != nil {
		return err
	}
	params, err := parseCgroupParams(val)
	if err != nil {
		return err
	}
	if tgt.Task.Cgroup == nil {
		tgt.Task.Cgroup = &options.CgroupDef{}
	}
	tgt.Task.Cgroup.Params = append(tgt.Task.Cgroup.Params, params...)
	return nil
}

// parseCgroupParams parses whitespace separated `<file>=<value>` pairs;
// values with spaces are double quoted.
func parseCgroupParams(val string) ([]options.CgroupParam, error) {
	fields, err := splitArgs(val)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty CGROUP_PARAMS", ErrBadValue)
	}
	return cgroupParamsFromFields(fields)
}

// cgroupParamsFromFields converts already split `<file>=<value>` tokens;
// the quotes are gone at this point so values keep any embedded spaces.
func cgroupParamsFromFields(fields []string) ([]options.CgroupParam, error) {
	out := make([]options.CgroupParam, 0, len(fields))
	for _, f := range fields {
		idx := strings.IndexByte(f, '=')
		if idx <= 0 || idx == len(f)-1 {
			return nil, fmt.Errorf("%w: cgroup parameter %q is not file=value", ErrBadValue, f)
		}
		out = append(out, options.CgroupParam{File: f[:idx], Value: f[idx+1:]})
	}
	return out, nil
}

func parseOctal(v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad octal mode %q", ErrBadValue, v)
	}
	return n, nil
}
