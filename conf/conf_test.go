/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package conf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/task"
)

func writeCfg(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTablesSorted(t *testing.T) {
	for _, tbl := range []dirTable{taskTable, seriesTable, kcmdTable} {
		if err := tbl.checkSorted(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLookup(t *testing.T) {
	if _, ok := taskTable.lookup(`COMMAND`); !ok {
		t.Fatal("COMMAND not found")
	}
	if _, ok := taskTable.lookup(`BOGUS`); ok {
		t.Fatal("phantom directive")
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `t.crinit`, strings.Join([]string{
		`# a comment`,
		`; another comment`,
		``,
		`NAME = hello`,
		`COMMAND = /bin/echo hi`,
	}, "\n"))
	dirs, err := ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 2 {
		t.Fatal("bad directive count", dirs)
	}
	if dirs[0].Key != `NAME` || dirs[0].Val != `hello` {
		t.Fatal("bad directive", dirs[0])
	}
}

func TestReadFileNoInlineComments(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `t.crinit`, "NAME = hello # not a comment\nCOMMAND = /bin/true\n")
	dirs, err := ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if dirs[0].Val != `hello # not a comment` {
		t.Fatal("inline comment stripped", dirs[0].Val)
	}
}

func TestReadFileLineLimit(t *testing.T) {
	dir := t.TempDir()
	//key + separator take 7 bytes, pad the value to exactly reach the cap
	pad := strings.Repeat(`x`, MaxLineLen-len(`NAME = `))
	p := writeCfg(t, dir, `ok.crinit`, `NAME = `+pad+"\n")
	if _, err := ReadFile(p); err != nil {
		t.Fatal("4096 byte line rejected:", err)
	}
	p = writeCfg(t, dir, `long.crinit`, `NAME = `+pad+"x\n")
	if _, err := ReadFile(p); !errors.Is(err, ErrLineTooLong) {
		t.Fatal("4097 byte line accepted", err)
	}
}

func TestReadFileBadLine(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `t.crinit`, "JUSTAKEY\n")
	if _, err := ReadFile(p); !errors.Is(err, ErrBadLine) {
		t.Fatal("bad line accepted", err)
	}
}

func TestNewTaskMinimal(t *testing.T) {
	tk, err := NewTask([]Directive{
		{Key: `NAME`, Val: `hello`},
		{Key: `COMMAND`, Val: `/bin/echo hi`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if tk.Name != `hello` {
		t.Fatal("bad name")
	}
	if len(tk.StartCmds) != 1 || len(tk.StartCmds[0].Argv) != 2 {
		t.Fatal("bad command", tk.StartCmds)
	}
	if tk.State != task.Loaded {
		t.Fatal("fresh task not LOADED")
	}
	if tk.RespawnRetries != -1 {
		t.Fatal("default retries not unlimited")
	}
}

func TestNewTaskFull(t *testing.T) {
	tk, err := NewTask([]Directive{
		{Key: `NAME`, Val: `netd`},
		{Key: `COMMAND`, Val: `/usr/sbin/netd -f "/etc/net d.conf"`},
		{Key: `COMMAND`, Val: `/usr/bin/net-post`},
		{Key: `STOP_COMMAND`, Val: `/usr/sbin/netd --stop`},
		{Key: `DEPENDS`, Val: `sysinit:wait mount:wait`},
		{Key: `PROVIDES`, Val: `net-ready`},
		{Key: `TRIGGER`, Val: `@elos:net-up`},
		{Key: `RESPAWN`, Val: `YES`},
		{Key: `RESPAWN_RETRIES`, Val: `3`},
		{Key: `USER`, Val: `0`},
		{Key: `GROUP`, Val: `0 5 6`},
		{Key: `IO_REDIRECT`, Val: `STDOUT /var/log/netd.log APPEND 0644`},
		{Key: `ENV_SET`, Val: `NETD_OPTS "-v"`},
		{Key: `CAPABILITIES_AMBIENT`, Val: `CAP_NET_ADMIN CAP_NET_RAW`},
		{Key: `CGROUP_NAME`, Val: `netd`},
		{Key: `CGROUP_PARAMS`, Val: `memory.max=268435456 cpu.weight=50`},
		{Key: `FILTER_DEFINE`, Val: `net-up={.source.appName="net"}`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tk.StartCmds) != 2 || len(tk.StopCmds) != 1 {
		t.Fatal("bad command lists")
	}
	if tk.StartCmds[0].Argv[2] != `/etc/net d.conf` {
		t.Fatal("quoted argument mangled", tk.StartCmds[0].Argv)
	}
	if len(tk.Deps) != 2 || tk.Deps[1] != (task.DepRef{Task: `mount`, Event: `wait`}) {
		t.Fatal("bad deps", tk.Deps)
	}
	if len(tk.Trig) != 1 || tk.Trig[0].Task != `@elos` || tk.Trig[0].Event != `net-up` {
		t.Fatal("bad trigger", tk.Trig)
	}
	if !tk.Respawn || tk.RespawnRetries != 3 {
		t.Fatal("bad respawn config")
	}
	if len(tk.SupGroups) != 2 || tk.SupGroups[0] != 5 || tk.SupGroups[1] != 6 {
		t.Fatal("bad sup groups", tk.SupGroups)
	}
	if len(tk.IORedirs) != 1 {
		t.Fatal("redirect missing")
	}
	r := tk.IORedirs[0]
	if r.Source != `STDOUT` || r.Sink != `/var/log/netd.log` || r.Mode != task.RedirAppend || r.Perm != 0644 {
		t.Fatal("bad redirect", r)
	}
	if v, ok := tk.Env.Get(`NETD_OPTS`); !ok || v != `-v` {
		t.Fatal("env fragment missing")
	}
	if !tk.CapsAmbient.Has(12) || !tk.CapsAmbient.Has(13) {
		t.Fatal("caps missing", tk.CapsAmbient)
	}
	if tk.Cgroup == nil || tk.Cgroup.Name != `netd` || len(tk.Cgroup.Params) != 2 {
		t.Fatal("bad cgroup", tk.Cgroup)
	}
	if len(tk.Filters) != 1 || tk.Filters[0].Name != `net-up` {
		t.Fatal("filter missing")
	}
	pred, ok := tk.Filters[0].Fields[`.source.appName`]
	if !ok || pred.Op != `==` || pred.Value != `net` {
		t.Fatal("bad filter predicate", tk.Filters[0].Fields)
	}
}

func TestNewTaskValidation(t *testing.T) {
	if _, err := NewTask([]Directive{{Key: `COMMAND`, Val: `/bin/true`}}); !errors.Is(err, ErrNoName) {
		t.Fatal("nameless task accepted")
	}
	if _, err := NewTask([]Directive{{Key: `NAME`, Val: `x`}}); !errors.Is(err, ErrNoCommand) {
		t.Fatal("commandless task accepted")
	}
	if _, err := NewTask([]Directive{
		{Key: `NAME`, Val: `x`},
		{Key: `NAME`, Val: `y`},
		{Key: `COMMAND`, Val: `/bin/true`},
	}); !errors.Is(err, ErrDupDirective) {
		t.Fatal("duplicate NAME accepted")
	}
	if _, err := NewTask([]Directive{
		{Key: `NAME`, Val: `x`},
		{Key: `COMMAND`, Val: `/bin/true`},
		{Key: `BOGUS`, Val: `v`},
	}); !errors.Is(err, ErrUnknownKey) {
		t.Fatal("unknown directive accepted")
	}
	if _, err := NewTask([]Directive{
		{Key: `NAME`, Val: `x`},
		{Key: `COMMAND`, Val: `/bin/true`},
		{Key: `RESPAWN_RETRIES`, Val: `-2`},
	}); err == nil {
		t.Fatal("retries below -1 accepted")
	}
}

func TestNewTaskFromFileWithInclude(t *testing.T) {
	dir := t.TempDir()
	incdir := t.TempDir()
	writeCfg(t, incdir, `common.crincl`, strings.Join([]string{
		`ENV_SET = COMMON "yes"`,
		`DEPENDS = sysinit:wait`,
	}, "\n"))
	p := writeCfg(t, dir, `svc.crinit`, strings.Join([]string{
		`NAME = svc`,
		`COMMAND = /bin/svc`,
		`INCLUDE = common`,
	}, "\n"))
	ir := IncludeResolver{Dir: incdir, Suffix: `.crincl`}
	tk, err := NewTaskFromFile(p, ir)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := tk.Env.Get(`COMMON`); !ok || v != `yes` {
		t.Fatal("included env missing")
	}
	if len(tk.Deps) != 1 || tk.Deps[0].Task != `sysinit` {
		t.Fatal("included dep missing")
	}
}

func TestIncludeSafety(t *testing.T) {
	dir := t.TempDir()
	incdir := t.TempDir()
	writeCfg(t, incdir, `evil.crincl`, "NAME = hijacked\n")
	p := writeCfg(t, dir, `svc.crinit`, strings.Join([]string{
		`NAME = svc`,
		`COMMAND = /bin/svc`,
		`INCLUDE = evil`,
	}, "\n"))
	ir := IncludeResolver{Dir: incdir, Suffix: `.crincl`}
	if _, err := NewTaskFromFile(p, ir); !errors.Is(err, ErrNotInclSafe) {
		t.Fatal("include override of NAME accepted", err)
	}
}

func TestNestedIncludeRejected(t *testing.T) {
	dir := t.TempDir()
	incdir := t.TempDir()
	writeCfg(t, incdir, `a.crincl`, "INCLUDE = b\n")
	writeCfg(t, incdir, `b.crincl`, "ENV_SET = X \"1\"\n")
	p := writeCfg(t, dir, `svc.crinit`, "NAME = svc\nCOMMAND = /bin/svc\nINCLUDE = a\n")
	ir := IncludeResolver{Dir: incdir, Suffix: `.crincl`}
	if _, err := NewTaskFromFile(p, ir); !errors.Is(err, ErrNestedInclude) {
		t.Fatal("nested include accepted", err)
	}
}

func TestSeriesParse(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `series.crinit`, strings.Join([]string{
		`TASKDIR = /etc/crinit/tasks`,
		`TASK_SUFFIX = .task`,
		`TASKDIR_FOLLOW_SYMLINKS = YES`,
		`INCLUDEDIR = /etc/crinit/incl`,
		`DEBUG = NO`,
		`USE_SYSLOG = YES`,
		`USE_ELOS = YES`,
		`ELOS_SERVER = 10.0.0.7`,
		`ELOS_PORT = 5555`,
		`ELOS_EVENT_POLL_INTERVAL = 250000`,
		`SHUTDOWN_GRACE_PERIOD_US = 5000000`,
		`LAUNCHER_CMD = /sbin/my-launch`,
		`TASKS = extra1.task extra2.task`,
		`ENV_SET = GLOBAL "1"`,
		`CGROUP = system:root memory.max=1073741824`,
	}, "\n"))
	options.InitDefault()
	opts := options.Borrow()
	err := ParseSeriesInto(p, opts)
	options.Remit()
	if err != nil {
		t.Fatal(err)
	}
	options.WithStore(func(s *options.Store) {
		if s.TaskDir != `/etc/crinit/tasks` || s.TaskSuffix != `.task` {
			t.Error("bad task dir config")
		}
		if !s.TaskDirSymlinks || s.Debug || !s.UseSyslog || !s.UseElos {
			t.Error("bad boolean options")
		}
		if s.ElosServer != `10.0.0.7` || s.ElosPort != 5555 {
			t.Error("bad elos endpoint")
		}
		if s.ElosPollInterval != 250*time.Millisecond {
			t.Error("bad poll interval", s.ElosPollInterval)
		}
		if s.ShdGracePeriodUs != 5000000 || s.GracePeriod() != 5*time.Second {
			t.Error("bad grace period")
		}
		if s.LauncherCmd != `/sbin/my-launch` {
			t.Error("bad launcher")
		}
		if len(s.Tasks) != 2 {
			t.Error("bad explicit task list", s.Tasks)
		}
		if v, ok := s.Env.Get(`GLOBAL`); !ok || v != `1` {
			t.Error("global env missing")
		}
		if len(s.RootCgroups) != 1 || s.RootCgroups[0].Name != `system` || s.RootCgroups[0].Parent != `root` {
			t.Error("bad root cgroup", s.RootCgroups)
		}
	})
}

func TestRootCgroupQuotedParam(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `series.crinit`, `CGROUP = mygrp cpu.max="max 100000"`+"\n")
	options.InitDefault()
	opts := options.Borrow()
	err := ParseSeriesInto(p, opts)
	options.Remit()
	if err != nil {
		t.Fatal(err)
	}
	options.WithStore(func(s *options.Store) {
		if len(s.RootCgroups) != 1 || len(s.RootCgroups[0].Params) != 1 {
			t.Fatal("bad cgroup parse", s.RootCgroups)
		}
		param := s.RootCgroups[0].Params[0]
		if param.File != `cpu.max` || param.Value != `max 100000` {
			t.Fatal("quoted param value mangled", param)
		}
	})
}

func TestSeriesRejectsTaskDirective(t *testing.T) {
	dir := t.TempDir()
	p := writeCfg(t, dir, `series.crinit`, "COMMAND = /bin/true\n")
	options.InitDefault()
	opts := options.Borrow()
	err := ParseSeriesInto(p, opts)
	options.Remit()
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatal("task directive accepted in series file", err)
	}
}

func TestKCmdline(t *testing.T) {
	options.InitDefault()
	opts := options.Borrow()
	err := ParseKCmdlineInto(`root=/dev/sda1 quiet crinit.signatures=yes crinit.sigkeydir="/etc/keys"`, opts)
	options.Remit()
	if err != nil {
		t.Fatal(err)
	}
	options.WithStore(func(s *options.Store) {
		if !s.SignaturesRequired {
			t.Error("signatures override lost")
		}
		if s.SigKeyDir != `/etc/keys` {
			t.Error("sigkeydir override lost", s.SigKeyDir)
		}
	})
}

func TestKCmdlineUnknownKey(t *testing.T) {
	options.InitDefault()
	opts := options.Borrow()
	err := ParseKCmdlineInto(`crinit.bogus=1`, opts)
	options.Remit()
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatal("unknown crinit key accepted", err)
	}
}

func TestFilterDefineParsing(t *testing.T) {
	f, err := parseFilterDefine(`SRC={.appName="net"}`)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != `SRC` {
		t.Fatal("bad name", f.Name)
	}
	pred := f.Fields[`.appName`]
	if pred.Op != `==` || pred.Value != `net` {
		t.Fatal("bad predicate", pred)
	}

	f, err = parseFilterDefine(`SEV={.severity>=3,.source.appName!="disk"}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Fields) != 2 {
		t.Fatal("bad field count")
	}
	if f.Fields[`.severity`].Op != `>=` || f.Fields[`.severity`].Value != `3` {
		t.Fatal("bad numeric predicate")
	}
	if f.Fields[`.source.appName`].Op != `!=` {
		t.Fatal("bad negated predicate")
	}
}

func TestFilterDefineBad(t *testing.T) {
	tsts := []string{
		``,
		`NAME`,
		`NAME=`,
		`NAME={}`,
		`NAME={.f}`,
		`NAME={.f>"x"}`,
		`NAME={.f="unterminated}`,
	}
	for _, tst := range tsts {
		if _, err := parseFilterDefine(tst); err == nil {
			t.Fatal("accepted bad filter", tst)
		}
	}
}

func TestSplitArgs(t *testing.T) {
	tsts := []struct {
		in   string
		want []string
	}{
		{`/bin/echo hi`, []string{`/bin/echo`, `hi`}},
		{`-f "/etc/net d.conf"`, []string{`-f`, `/etc/net d.conf`}},
		{`cpu.max="max 100000"`, []string{`cpu.max=max 100000`}},
		{`  spaced   out  `, []string{`spaced`, `out`}},
		{``, nil},
	}
	for _, tst := range tsts {
		got, err := splitArgs(tst.in)
		if err != nil {
			t.Fatal(tst.in, err)
		}
		if len(got) != len(tst.want) {
			t.Fatalf("split %q: got %v", tst.in, got)
		}
		for i := range tst.want {
			if got[i] != tst.want[i] {
				t.Fatalf("split %q: got %v want %v", tst.in, got, tst.want)
			}
		}
	}
	if _, err := splitArgs(`bad "unterminated`); err == nil {
		t.Fatal("unterminated quote accepted")
	}
}

func TestIORedirectBad(t *testing.T) {
	tsts := []string{
		``,
		`STDOUT`,
		`BOGUS /tmp/x`,
		`STDOUT /tmp/x BADMODE`,
		`STDOUT /tmp/x APPEND 99z`,
		`STDOUT /tmp/x APPEND 0644 extra`,
	}
	for _, tst := range tsts {
		if _, err := parseIORedirect(tst); err == nil {
			t.Fatal("accepted bad redirect", tst)
		}
	}
}
