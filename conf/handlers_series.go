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
	"strings"
	"time"

	"github.com/crinit/crinit/options"
)

func hdlTasks(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	names := strings.Fields(val)
	if len(names) == 0 {
		return fmt.Errorf("%w: empty TASKS", ErrBadValue)
	}
	tgt.Opts.Tasks = append(tgt.Opts.Tasks, names...)
	return nil
}

func hdlTaskDir(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty TASKDIR", ErrBadValue)
	}
	tgt.Opts.TaskDir = val
	return nil
}

func hdlTaskSuffix(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty TASK_SUFFIX", ErrBadValue)
	}
	tgt.Opts.TaskSuffix = val
	return nil
}

func hdlTaskDirSymlinks(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Opts.TaskDirSymlinks = b
	return nil
}

func hdlIncludeDir(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty INCLUDEDIR", ErrBadValue)
	}
	tgt.Opts.IncludeDir = val
	return nil
}

func hdlIncludeSuffix(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty INCLUDE_SUFFIX", ErrBadValue)
	}
	tgt.Opts.IncludeSuffix = val
	return nil
}

func hdlDebug(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Opts.Debug = b
	return nil
}

func hdlUseSyslog(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Opts.UseSyslog = b
	return nil
}

func hdlUseElos(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Opts.UseElos = b
	return nil
}

func hdlElosServer(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty ELOS_SERVER", ErrBadValue)
	}
	tgt.Opts.ElosServer = val
	return nil
}

func hdlElosPort(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	p, err := parseUint16(val)
	if err != nil {
		return err
	}
	if p == 0 {
		return fmt.Errorf("%w: ELOS_PORT must be nonzero", ErrBadValue)
	}
	tgt.Opts.ElosPort = p
	return nil
}

// hdlElosPollIvl parses the poll cadence in microseconds; zero is rejected
// so the poll loop can never spin.
func hdlElosPollIvl(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	us, err := parseUint64(val)
	if err != nil {
		return err
	}
	if us == 0 {
		return fmt.Errorf("%w: ELOS_EVENT_POLL_INTERVAL must be nonzero", ErrBadValue)
	}
	tgt.Opts.ElosPollInterval = time.Duration(us) * time.Microsecond
	return nil
}

func hdlShdGracePeriod(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	us, err := parseUint64(val)
	if err != nil {
		return err
	}
	tgt.Opts.ShdGracePeriodUs = us
	return nil
}

func hdlLauncherCmd(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty LAUNCHER_CMD", ErrBadValue)
	}
	tgt.Opts.LauncherCmd = val
	return nil
}

// hdlRootCgroup parses a global cgroup definition:
// `<name>[:<parent>] [<file>=<value> …]`.
func hdlRootCgroup(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxSeries); err != nil {
		return err
	}
	fields, err := splitArgs(val)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty CGROUP", ErrBadValue)
	}
	var def options.CgroupDef
	if idx := strings.IndexByte(fields[0], ':'); idx > 0 {
		def.Name = fields[0][:idx]
		def.Parent = fields[0][idx+1:]
	} else {
		def.Name = fields[0]
	}
	if len(fields) > 1 {
		params, err := cgroupParamsFromFields(fields[1:])
		if err != nil {
			return err
		}
		def.Params = params
	}
	tgt.Opts.RootCgroups = append(tgt.Opts.RootCgroups, def)
	return nil
}

/* kernel command line overrides */

func hdlSigKeyDir(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxKCmdline); err != nil {
		return err
	}
	if val = strings.TrimSpace(val); val == `` {
		return fmt.Errorf("%w: empty sigkeydir", ErrBadValue)
	}
	tgt.Opts.SigKeyDir = val
	return nil
}

func hdlSignatures(tgt *Target, val string, ctx Ctx) error {
	if err := wantCtx(ctx, CtxKCmdline); err != nil {
		return err
	}
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	tgt.Opts.SignaturesRequired = b
	return nil
}
