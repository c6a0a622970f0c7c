//
// Copyright 2019-2022 Nestybox, Inc.
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
	"path/filepath"
	"sync"

	systemd "github.com/coreos/go-systemd/daemon"
	units "github.com/docker/go-units"
	intf "github.com/nestybox/buddy-mgr/intf"
	"github.com/nestybox/buddy-mgr/poolIpc"
	"github.com/nestybox/buddy-mgr/poolMgr"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

type mgrConfig struct {
	runDir       string
	sockPath     string
	poolSize     uint64
	buffSize     int
	strictBounds bool
}

type BuddyMgr struct {
	mgrCfg    mgrConfig
	pool      intf.PoolMgr
	ipcServer *poolIpc.Server
	stopped   bool
	mu        sync.Mutex // protects stopped
}

// getMgrConfig extracts the manager's config from the command line
func getMgrConfig(ctx *cli.Context) (mgrConfig, error) {

	poolSize, err := parsePoolSize(ctx.GlobalString("pool-size"))
	if err != nil {
		return mgrConfig{}, err
	}

	buffSize := ctx.GlobalInt("buff-size")
	if buffSize <= 0 {
		return mgrConfig{}, fmt.Errorf("invalid buff-size: %v", buffSize)
	}

	runDir := ctx.GlobalString("run-dir")
	if runDir == "" {
		runDir = buddyRunDirDefault
	}

	return mgrConfig{
		runDir:       runDir,
		sockPath:     sockPath(ctx),
		poolSize:     poolSize,
		buffSize:     buffSize,
		strictBounds: ctx.GlobalBoolT("strict-bounds"),
	}, nil
}

// newBuddyMgr creates an instance of the buddy manager
func newBuddyMgr(ctx *cli.Context) (*BuddyMgr, error) {

	mgrCfg, err := getMgrConfig(ctx)
	if err != nil {
		return nil, err
	}

	err = setupRunDir(mgrCfg.runDir)
	if err != nil {
		return nil, fmt.Errorf("failed to setup the buddy-mgr run dir: %v", err)
	}

	err = checkPidFile(filepath.Join(mgrCfg.runDir, buddyMgrPidFile))
	if err != nil {
		return nil, err
	}

	// failure to obtain the pool's memory is fatal; there's no degraded mode
	pool, err := poolMgr.New(poolMgr.Config{
		PoolSize:     mgrCfg.poolSize,
		BuffSize:     mgrCfg.buffSize,
		StrictBounds: mgrCfg.strictBounds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup memory pool: %v", err)
	}

	logrus.Infof("Pool size: %s (%d bytes)", units.BytesSize(float64(mgrCfg.poolSize)), mgrCfg.poolSize)
	logrus.Infof("Buffer size: %d bytes", mgrCfg.buffSize)

	if mgrCfg.strictBounds {
		logrus.Info("Strict block bounds checking enabled.")
	} else {
		logrus.Info("Strict block bounds checking disabled; only pool bounds are enforced.")
	}

	mgr := &BuddyMgr{
		mgrCfg:    mgrCfg,
		pool:      pool,
		ipcServer: poolIpc.NewServer(pool, mgrCfg.sockPath),
	}

	return mgr, nil
}

func (mgr *BuddyMgr) Start() error {

	pidFile := filepath.Join(mgr.mgrCfg.runDir, buddyMgrPidFile)

	err := createPidFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %s", buddyMgrPidFile, err)
	}

	systemd.SdNotify(false, systemd.SdNotifyReady)

	logrus.Info("Ready ...")

	// listen for client connections
	return mgr.ipcServer.Init()
}

func (mgr *BuddyMgr) Stop() error {

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.stopped {
		return nil
	}
	mgr.stopped = true

	logrus.Info("Stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	if sessions := mgr.ipcServer.Sessions(); len(sessions) > 0 {
		logrus.Warn("The following client sessions are active and will be closed:")
		for _, id := range sessions {
			logrus.Warnf("session id: %s", id)
		}
	}

	mgr.ipcServer.Stop()

	stats := mgr.pool.Stats()
	if stats.Blocks > 0 {
		logrus.Warnf("Releasing %d allocated block(s) (%s)", stats.Blocks, units.BytesSize(float64(stats.Allocated)))
	}

	if err := mgr.pool.Close(); err != nil {
		logrus.Warnf("failed to release the memory pool: %v", err)
	}

	if err := destroyPidFile(filepath.Join(mgr.mgrCfg.runDir, buddyMgrPidFile)); err != nil {
		logrus.Warnf("failed to destroy buddy-mgr pid file: %v", err)
	}

	logrus.Info("Stopped.")

	return nil
}
