//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/nestybox/buddy-mgr/lib/buddyAlloc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"
)

// setupLogging configures logrus per the global log flags
func setupLogging(ctx *cli.Context) error {

	if path := ctx.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
	}

	switch logFormat := ctx.GlobalString("log-format"); logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	default:
		return fmt.Errorf("'%v' log-format option not recognized", logFormat)
	}

	logLevel := ctx.GlobalString("log-level")
	if logLevel == "" {
		logLevel = "info"
	}

	switch logLevel {
	case "debug", "info", "warning", "error", "fatal":
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
	default:
		return fmt.Errorf("'%v' log-level option not recognized", logLevel)
	}

	return nil
}

// parsePoolSize parses a pool size such as "1024", "64KiB" or "4M" (binary units)
func parsePoolSize(s string) (uint64, error) {

	size, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pool-size %q: %v", s, err)
	}

	if size < 2 || !buddyAlloc.IsPowerOfTwo(uint64(size)) {
		return 0, fmt.Errorf("invalid pool-size %q: must be a power of 2", s)
	}

	return uint64(size), nil
}

// sockPath returns the daemon's socket path per the global flags
func sockPath(ctx *cli.Context) string {
	if path := ctx.GlobalString("socket"); path != "" {
		return path
	}

	runDir := ctx.GlobalString("run-dir")
	if runDir == "" {
		runDir = buddyRunDirDefault
	}

	return filepath.Join(runDir, buddyMgrSockFile)
}

func setupRunDir(runDir string) error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", runDir, err)
	}
	return nil
}

// checkPidFile returns an error if the given pid file belongs to a live process; a
// stale pid file is removed.
func checkPidFile(path string) error {

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid > 0 {
		if err := unix.Kill(pid, 0); err == nil || err == unix.EPERM {
			return fmt.Errorf("buddy-mgr is already running (pid %d); if not, remove %s", pid, path)
		}
	}

	logrus.Debugf("removing stale pid file %s", path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale pid file %s: %v", path, err)
	}

	return nil
}

func createPidFile(path string) error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(pid), 0400)
}

func destroyPidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
