/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package launch

import (
	"testing"

	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/task"
)

func TestBuildArgvMinimal(t *testing.T) {
	tk := task.New()
	tk.Name = `hello`
	argv, err := BuildArgv(`/usr/bin/crinit-launch`, tk, []string{`/bin/echo`, `hi`})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		`/usr/bin/crinit-launch`,
		`--cmd=/bin/echo`,
		`--user=0`,
		`--group=0`,
		`--`,
		`hi`,
	}
	if len(argv) != len(want) {
		t.Fatal("bad argv", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatal("bad argv element", i, argv[i])
		}
	}
}

func TestBuildArgvFull(t *testing.T) {
	tk := task.New()
	tk.UID = 1000
	tk.GID = 100
	tk.SupGroups = []uint32{4, 27}
	tk.CapsAmbient = 1 << 12  //CAP_NET_ADMIN
	tk.CapsInheritable = 1<<12 | 1<<5
	tk.Cgroup = &options.CgroupDef{Name: `svc`, Parent: `system`}
	argv, err := BuildArgv(`/usr/bin/crinit-launch`, tk, []string{`/usr/sbin/netd`, `-f`, `/etc/netd.conf`})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		`/usr/bin/crinit-launch`,
		`--cmd=/usr/sbin/netd`,
		`--user=1000`,
		`--group=100,4,27`,
		`--capabilities-ambient=1000`,
		`--capabilities-inheritable=1020`,
		`--cgroup=/sys/fs/cgroup/system/svc`,
		`--`,
		`-f`,
		`/etc/netd.conf`,
	}
	if len(argv) != len(want) {
		t.Fatal("bad argv length", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildArgvErrors(t *testing.T) {
	tk := task.New()
	if _, err := BuildArgv(``, tk, []string{`/bin/true`}); err != ErrNoLauncher {
		t.Fatal("empty launcher accepted")
	}
	if _, err := BuildArgv(`/usr/bin/crinit-launch`, tk, nil); err != ErrEmptyCommand {
		t.Fatal("empty argv accepted")
	}
}
