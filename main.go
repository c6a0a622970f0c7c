//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var (
	buddyRunDirDefault string = "/run/buddy-mgr"
	buddyMgrPidFile    string = "buddy-mgr.pid"
	buddyMgrSockFile   string = "buddy-mgr.sock"
)

const (
	usage = `Buddy allocator daemon

The buddy-mgr daemon owns a fixed-size memory pool that it partitions with the
binary buddy algorithm. Clients connect over a unix socket to allocate blocks,
write and read them, and free them.`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest buddy-mgr's git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

func main() {
	app := cli.NewApp()
	app.Name = "buddy-mgr"
	app.Usage = usage

	var v []string
	if version != "" {
		v = append(v, version)
	}
	app.Version = strings.Join(v, "\n")

	app.Flags = daemonFlags()

	app.Commands = clientCommands

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("buddy-mgr\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = setupLogging

	app.Action = func(ctx *cli.Context) error {

		logrus.Info("Starting buddy-mgr")
		logrus.Infof("Version: %s", version)

		if commitId != "" {
			logrus.Infof("Commit-ID: %s", commitId)
		}

		// If requested, launch cpu/mem profiling data collection.
		profile, err := runProfiler(ctx)
		if err != nil {
			return err
		}

		mgr, err := newBuddyMgr(ctx)
		if err != nil {
			return fmt.Errorf("failed to create buddy-mgr: %v", err)
		}

		var signalChan = make(chan os.Signal, 1)
		signal.Notify(
			signalChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT)
		go signalHandler(signalChan, mgr, profile)

		logrus.Infof("Listening on %v", mgr.ipcServer.GetAddr())
		if err := mgr.Start(); err != nil {
			return fmt.Errorf("failed to start buddy-mgr: %v", err)
		}

		mgr.Stop()
		logrus.Info("Done.")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// daemonFlags returns the global flags of the buddy-mgr app
func daemonFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
		cli.StringFlag{
			Name:  "run-dir",
			Value: buddyRunDirDefault,
			Usage: "directory for the daemon's pid file and socket",
		},
		cli.StringFlag{
			Name:  "socket",
			Value: "",
			Usage: "unix socket the daemon listens on (default: <run-dir>/buddy-mgr.sock)",
		},
		cli.StringFlag{
			Name:  "pool-size",
			Value: "4MiB",
			Usage: "size of the memory pool; must be a power of 2 (e.g., 1KiB, 4MiB)",
		},
		cli.IntFlag{
			Name:  "buff-size",
			Value: 4096,
			Usage: "max number of bytes transferred by a single write or read",
		},
		cli.BoolTFlag{
			Name:  "strict-bounds",
			Usage: "confine writes and reads to the allocated block they target; when set to false, only the pool boundaries are enforced (default = true)",
		},
	}
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually exclused in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	// Typical / non-profiling case.
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	// Notice that 'NoShutdownHook' option is passed to profiler constructor to
	// avoid this one reacting to 'sigterm' signal arrival. IOW, we want
	// buddy-mgr signal handler to be the one stopping all profiling tasks.

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated cpu-profiling data collection.")
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated memory-profiling data collection.")
	}

	return prof, nil
}

// buddy-mgr signal handler goroutine.
func signalHandler(
	signalChan chan os.Signal,
	mgr *BuddyMgr,
	profile interface{ Stop() }) {

	s := <-signalChan

	logrus.Infof("Caught OS signal: %s", s)

	if err := mgr.Stop(); err != nil {
		logrus.Warnf("Failed to terminate buddy-mgr gracefully: %s", err)
	}

	// Stop cpu/mem profiling tasks.
	if profile != nil {
		profile.Stop()
	}

	logrus.Info("Exiting.")
	os.Exit(0)
}
