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
	"sort"

	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/task"
)

// Ctx tags which configuration universe a directive was seen in; handlers
// reject directives appearing in the wrong one.
type Ctx int

const (
	CtxTask Ctx = iota
	CtxSeries
	CtxKCmdline
)

// Target carries the handler write destinations: the task record under
// construction, or the borrowed global option store.
type Target struct {
	Task *task.Task
	Opts *options.Store
}

// Handler parses one directive value and applies it to the target.
type Handler func(tgt *Target, val string, ctx Ctx) error

type dirEntry struct {
	key         string
	arrayLike   bool //may appear multiple times, occurrences concatenate
	includeSafe bool //may be seen via INCLUDE splicing
	hnd         Handler
}

type dirTable []dirEntry

// lookup binary searches the table; tables are sorted by key.
func (tbl dirTable) lookup(key string) (*dirEntry, bool) {
	i := sort.Search(len(tbl), func(i int) bool {
		return tbl[i].key >= key
	})
	if i < len(tbl) && tbl[i].key == key {
		return &tbl[i], true
	}
	return nil, false
}

// checkSorted verifies the strict key ordering invariant; the table tests
// run it over every table.
func (tbl dirTable) checkSorted() error {
	for i := 1; i < len(tbl); i++ {
		if tbl[i-1].key >= tbl[i].key {
			return fmt.Errorf("directive table unsorted at %q >= %q", tbl[i-1].key, tbl[i].key)
		}
	}
	return nil
}

// taskTable holds the task file directives, sorted by key.
var taskTable = dirTable{
	{key: `CAPABILITIES_AMBIENT`, hnd: hdlCapsAmbient},
	{key: `CAPABILITIES_INHERITABLE`, hnd: hdlCapsInheritable},
	{key: `CGROUP_NAME`, hnd: hdlCgroupName},
	{key: `CGROUP_PARAMS`, arrayLike: true, hnd: hdlCgroupParams},
	{key: `COMMAND`, arrayLike: true, hnd: hdlCommand},
	{key: `DEPENDS`, includeSafe: true, hnd: hdlDepends},
	{key: `ENV_SET`, arrayLike: true, includeSafe: true, hnd: hdlEnvSet},
	{key: `FILTER_DEFINE`, arrayLike: true, includeSafe: true, hnd: hdlFilterDefine},
	{key: `GROUP`, hnd: hdlGroup},
	{key: `INCLUDE`, arrayLike: true, hnd: hdlInclude},
	{key: `IO_REDIRECT`, arrayLike: true, includeSafe: true, hnd: hdlIORedirect},
	{key: `NAME`, hnd: hdlName},
	{key: `PROVIDES`, hnd: hdlProvides},
	{key: `RESPAWN`, hnd: hdlRespawn},
	{key: `RESPAWN_RETRIES`, hnd: hdlRespawnRetries},
	{key: `STOP_COMMAND`, arrayLike: true, hnd: hdlStopCommand},
	{key: `TRIGGER`, hnd: hdlTrigger},
	{key: `USER`, hnd: hdlUser},
}

// seriesTable holds the global option directives, sorted by key.
var seriesTable = dirTable{
	{key: `CGROUP`, arrayLike: true, hnd: hdlRootCgroup},
	{key: `DEBUG`, hnd: hdlDebug},
	{key: `ELOS_EVENT_POLL_INTERVAL`, hnd: hdlElosPollIvl},
	{key: `ELOS_PORT`, hnd: hdlElosPort},
	{key: `ELOS_SERVER`, hnd: hdlElosServer},
	{key: `ENV_SET`, arrayLike: true, hnd: hdlEnvSet},
	{key: `FILTER_DEFINE`, arrayLike: true, hnd: hdlFilterDefine},
	{key: `INCLUDEDIR`, hnd: hdlIncludeDir},
	{key: `INCLUDE_SUFFIX`, hnd: hdlIncludeSuffix},
	{key: `LAUNCHER_CMD`, hnd: hdlLauncherCmd},
	{key: `SHUTDOWN_GRACE_PERIOD_US`, hnd: hdlShdGracePeriod},
	{key: `TASKDIR`, hnd: hdlTaskDir},
	{key: `TASKDIR_FOLLOW_SYMLINKS`, hnd: hdlTaskDirSymlinks},
	{key: `TASKS`, arrayLike: true, hnd: hdlTasks},
	{key: `TASK_SUFFIX`, hnd: hdlTaskSuffix},
	{key: `USE_ELOS`, hnd: hdlUseElos},
	{key: `USE_SYSLOG`, hnd: hdlUseSyslog},
}

// kcmdTable holds the crinit.* kernel command line overrides, sorted by key
// (prefix already stripped).
var kcmdTable = dirTable{
	{key: `sigkeydir`, hnd: hdlSigKeyDir},
	{key: `signatures`, hnd: hdlSignatures},
}
