/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/crinit/crinit/cgroup"
	"github.com/crinit/crinit/conf"
	"github.com/crinit/crinit/events"
	"github.com/crinit/crinit/events/elos"
	"github.com/crinit/crinit/fseries"
	"github.com/crinit/crinit/logio"
	"github.com/crinit/crinit/options"
	"github.com/crinit/crinit/sched"
	"github.com/crinit/crinit/shutdown"
	"github.com/crinit/crinit/sigverify"
	"github.com/crinit/crinit/task"
	"github.com/crinit/crinit/taskdb"
	"github.com/crinit/crinit/taskwatch"
)

const (
	defSeriesLoc = `/etc/crinit/default.series`
	lockName     = `.crinit.lock`
)

var (
	seriesFlag = flag.String("config-override", "", "Override series file path")
	seriesFile string
)

func init() {
	seriesFile = defSeriesLoc
	flag.Parse()
	if *seriesFlag != `` {
		seriesFile = *seriesFlag
	}
}

func main() {
	options.InitDefault()
	if err := conf.ParseSeries(seriesFile); err != nil {
		log.Fatal("Failed to load series file ", seriesFile, ": ", err)
	}
	if _, err := os.Stat(conf.KCmdlinePath); err == nil {
		if err = conf.ParseKCmdline(); err != nil {
			log.Fatal("Failed to parse kernel cmdline: ", err)
		}
	}

	//copy what the boot path needs out of the store
	var cfg options.Store
	options.WithStore(func(s *options.Store) {
		cfg = *s
	})

	lg := logio.NewStderr()
	if cfg.Debug {
		lg.SetLevel(logio.DEBUG)
	}
	if kw, err := logio.NewKmsgWriter(); err == nil {
		lg.AddWriter(kw)
	}
	if cfg.UseSyslog {
		if rl, err := logio.NewSyslogRelay(``); err == nil {
			lg.AddRelay(rl)
		} else {
			lg.Warn(`syslog requested but unreachable`, logio.KVErr(err))
		}
	}
	logio.PrintOSInfo(os.Stderr)
	bootID := uuid.New().String()
	lg.Info(`supervisor starting`, logio.KV(`boot`, bootID), logio.KV(`series`, seriesFile))

	//anything but a real PID 1 takes an instance lock on the task dir
	if os.Getpid() != 1 && cfg.TaskDir != `` {
		lk := flock.New(filepath.Join(cfg.TaskDir, lockName))
		held, err := lk.TryLock()
		if err != nil || !held {
			lg.FatalCode(1, `another supervisor owns this task directory`, logio.KVErr(err))
		}
		defer lk.Unlock()
	}

	var sigctx *sigverify.Context
	if cfg.SignaturesRequired {
		var err error
		if sigctx, err = sigverify.NewContext(sigverify.UserKeyring{}, ``); err != nil {
			lg.FatalCode(1, `signature subsystem init failed`, logio.KVErr(err))
		}
		if err = sigctx.LoadSignedKeys(cfg.SigKeyDir); err != nil {
			lg.FatalCode(1, `signed key load failed`, logio.KV(`dir`, cfg.SigKeyDir), logio.KVErr(err))
		}
		defer sigctx.Destroy()
		if err = sigctx.VerifyFile(seriesFile); err != nil {
			lg.FatalCode(1, `series file failed signature check`, logio.KVErr(err))
		}
	}

	for _, def := range cfg.RootCgroups {
		if err := cgroup.Configure(``, def); err != nil {
			lg.Warn(`cgroup configuration failed`, logio.KV(`cgroup`, def.Name), logio.KVErr(err))
		}
	}

	bus := events.NewBus()
	db := taskdb.New()
	ir := conf.IncludeResolver{Dir: cfg.IncludeDir, Suffix: cfg.IncludeSuffix}
	if n, err := loadTasks(db, cfg, ir, sigctx, lg); err != nil {
		log.Fatal("Failed to load tasks: ", err)
	} else if n == 0 {
		log.Fatal("No tasks specified")
	}
	if err := db.ValidateDeps(elos.ExternalName); err != nil {
		lg.FatalCode(1, `dependency validation failed`, logio.KVErr(err))
	}

	var ext sched.ExternalSnapshot
	var filters []options.FilterDef
	filters = append(filters, cfg.Filters...)
	db.ForEach(func(t *task.Task) {
		filters = append(filters, t.Filters...)
	})
	if cfg.UseElos {
		ec := elos.New(cfg.ElosServer, cfg.ElosPort, cfg.ElosPollInterval, filters, bus, lg)
		go ec.Run()
		ext = ec
	}

	orch := shutdown.New(bus, lg)
	orch.Install()

	s := sched.New(sched.Config{
		DB:        db,
		Bus:       bus,
		Ext:       ext,
		Log:       lg,
		Launcher:  cfg.LauncherCmd,
		Grace:     cfg.GracePeriod(),
		GlobalEnv: cfg.Env,
		BootID:    bootID,
	})
	s.Load()

	if cfg.TaskDir != `` {
		var verify taskwatch.Verifier
		if sigctx != nil {
			verify = sigctx.VerifyFile
		}
		if tw, err := taskwatch.New(cfg.TaskDir, cfg.TaskSuffix, ir, db, bus, verify, lg); err == nil {
			go tw.Run()
		} else {
			lg.Warn(`task directory watch unavailable`, logio.KVErr(err))
		}
	}

	s.Run()

	lg.Info(`scheduler drained, finalizing`, logio.KV(`action`, orch.Action().String()))
	if err := orch.Finalize(); err != nil {
		lg.Error(`finalize failed`, logio.KVErr(err))
	}
	lg.Close()
}

// loadTasks scans the task directory and the explicit TASKS list, verifies
// signatures when enforced, and fills the database. A file that fails to
// parse is reported and skipped; the rest of the load continues.
func loadTasks(db *taskdb.DB, cfg options.Store, ir conf.IncludeResolver, sigctx *sigverify.Context, lg *logio.Logger) (int, error) {
	var paths []string
	if cfg.TaskDir != `` {
		fs, err := fseries.FromDir(cfg.TaskDir, cfg.TaskSuffix, cfg.TaskDirSymlinks)
		if err != nil {
			return 0, err
		}
		paths = fs.Paths()
	}
	for _, name := range cfg.Tasks {
		if filepath.IsAbs(name) {
			paths = append(paths, name)
		} else {
			paths = append(paths, filepath.Join(cfg.TaskDir, name))
		}
	}
	var loaded int
	for _, p := range paths {
		if sigctx != nil {
			if err := sigctx.VerifyFile(p); err != nil {
				lg.Error(`task file failed signature check, refusing to load`,
					logio.KV(`file`, p), logio.KVErr(err))
				continue
			}
		}
		t, err := conf.NewTaskFromFile(p, ir)
		if err != nil {
			lg.Error(`task file failed to parse`, logio.KV(`file`, p), logio.KVErr(err))
			continue
		}
		if err = db.Insert(t); err != nil {
			return loaded, fmt.Errorf("task %s: %w", t.Name, err)
		}
		loaded++
	}
	return loaded, nil
}
