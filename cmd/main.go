/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package main is the entry point for the Warden daemon.
// main 包是 Warden 守护进程的入口点。
//
// Warden is a node daemon that:
// Warden 是一个节点守护进程，负责：
// - Resets and launches the declared worker groups in dependency order / 按依赖顺序重置并启动声明的工作组
// - Relaunches crashed workers under a bounded restart budget / 在有限重启预算内重新启动崩溃的工作进程
// - Periodically samples memory pressure and kernel OOM events / 周期性采样内存压力和内核 OOM 事件
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docbatch/warden/internal/config"
	"github.com/docbatch/warden/internal/logging"
	"github.com/docbatch/warden/internal/monitor"
	"github.com/docbatch/warden/internal/supervisor"
	"github.com/docbatch/warden/internal/sysmon"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds the graceful StopAll on exit.
// shutdownTimeout 限定退出时优雅 StopAll 的时间。
const shutdownTimeout = 60 * time.Second

// Daemon wires the supervisor and monitor loops over one configuration.
// Daemon 基于同一份配置装配监督器与监视循环。
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	sup  *supervisor.Supervisor
	loop *monitor.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon builds all components from a validated configuration.
// NewDaemon 从已验证的配置构建所有组件。
func NewDaemon(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	launcher := supervisor.NewExecLauncher(cfg.Supervisor.WorkerLogDir())
	sup := supervisor.New(reg, launcher, logger, supervisor.Options{
		GraceTimeout:  cfg.Supervisor.GraceTimeout,
		SettleDelay:   cfg.Supervisor.SettleDelay,
		ReadyTimeout:  cfg.Supervisor.ReadyTimeout,
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		RestartWindow: cfg.Supervisor.RestartWindow,
		StateDir:      cfg.Supervisor.StateDir,
		ProcRoot:      cfg.Monitor.ProcRoot,
	})

	sampler := sysmon.NewSampler(cfg.Monitor.ProcRoot, reg)
	scanner := sysmon.NewOomScanner(cfg.Monitor.KernelLogPaths)
	loop := monitor.NewLoop(sampler, scanner, sup,
		cfg.Monitor.Interval, cfg.Monitor.ScanTimeout, logger,
		monitor.NewZapSink(logger), monitor.NewConsoleSink(os.Stdout))

	return &Daemon{
		cfg:    cfg,
		logger: logger,
		sup:    sup,
		loop:   loop,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Run resets the environment, starts all worker groups, then runs the
// reconcile and monitor loops until Shutdown.
// Run 重置环境、启动所有工作组，然后运行调和与监视循环直到 Shutdown。
func (d *Daemon) Run() error {
	d.logger.Info("warden starting",
		zap.String("version", Version),
		zap.String("config", d.cfg.String()))

	if err := d.sup.Reset(d.ctx); err != nil {
		return fmt.Errorf("environment reset: %w", err)
	}

	if failures := d.sup.StartAll(d.ctx); len(failures) > 0 {
		// Partial failure is not fatal; the failing groups are reported
		// and the rest keep running.
		// 部分失败不致命；失败的组被报告，其余继续运行。
		for _, f := range failures {
			d.logger.Error("worker group failed to start",
				zap.String("group", f.Group),
				zap.Error(f.Err))
		}
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.sup.Reconcile(d.ctx, d.cfg.Monitor.Interval)
	}()
	go func() {
		defer d.wg.Done()
		d.loop.Run(d.ctx)
	}()

	d.wg.Wait()
	return nil
}

// Shutdown cancels the loops and stops all workers gracefully.
// Shutdown 取消循环并优雅停止所有工作进程。
func (d *Daemon) Shutdown() {
	d.logger.Info("warden shutting down")
	d.cancel()
	d.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, f := range d.sup.StopAll(stopCtx) {
		d.logger.Error("worker group failed to stop",
			zap.String("group", f.Group),
			zap.Error(f.Err))
	}
	d.logger.Info("warden stopped")
}

// rootCmd is the root command for the Warden CLI
// rootCmd 是 Warden CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - resource-aware worker supervisor and memory health monitor",
	Long: `Warden is a daemon process supervising a declared set of worker groups.
Warden 是一个监督声明的工作组集合的守护进程。

It enforces the group registry against the live process set:
它将组注册表落实到实际进程集合：
- Reset and dependency-ordered startup / 重置与按依赖顺序的启动
- Crash relaunch under a bounded restart budget / 有限重启预算内的崩溃重启
- Periodic memory pressure and OOM reporting / 周期性内存压力与 OOM 报告`,
	RunE: runDaemon,
}

// versionCmd shows version information
// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information / 打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Warden\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// configFile is the path to the configuration file
// configFile 是配置文件的路径
var configFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default: "+config.DefaultConfigPath+")")
	rootCmd.AddCommand(versionCmd)
}

// runDaemon is the main entry point for the Warden service
// runDaemon 是 Warden 服务的主入口点
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	// 设置信号处理以实现优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- daemon.Run()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received signal", zap.String("signal", sig.String()))
		daemon.Shutdown()
	case err := <-errChan:
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
