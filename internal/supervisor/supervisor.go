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

// Package supervisor enforces the declared worker group registry against the
// live process set: idempotent cleanup of strays, dependency-ordered startup,
// graceful ordered shutdown, and crash recovery under a bounded restart budget.
// supervisor 包将声明的工作组注册表落实到实际进程集合：幂等清理残留进程、
// 按依赖顺序启动、优雅有序停止，以及在有限重启预算下的崩溃恢复。
//
// This package provides:
// 此包提供：
// - Idempotent environment reset / 幂等的环境重置
// - Ordered, dependency-aware startup with partial-failure reporting / 有序、感知依赖的启动与部分失败报告
// - Graceful stop with SIGTERM → SIGKILL escalation / SIGTERM → SIGKILL 升级的优雅停止
// - Crash detection and bounded relaunch / 崩溃检测与有限重启
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/docbatch/warden/internal/registry"
)

// Error kinds surfaced in partial-failure results.
// 部分失败结果中出现的错误类别。
var (
	// ErrLaunchFailure indicates a worker process could not be started
	// ErrLaunchFailure 表示工作进程无法启动
	ErrLaunchFailure = errors.New("worker launch failed")

	// ErrDependencyTimeout indicates a dependency never reported ready
	// ErrDependencyTimeout 表示依赖项始终未就绪
	ErrDependencyTimeout = errors.New("dependency not ready within timeout")

	// ErrRetryCeilingExceeded indicates a group exhausted its restart budget
	// ErrRetryCeilingExceeded 表示组已耗尽重启预算
	ErrRetryCeilingExceeded = errors.New("restart ceiling exceeded")

	// ErrStopFailure indicates a worker could not be signalled during StopAll
	// ErrStopFailure 表示在 StopAll 期间无法向工作进程发送信号
	ErrStopFailure = errors.New("worker stop failed")
)

// terminatePollInterval is how often liveness is re-checked while waiting for
// a signalled process to exit.
// terminatePollInterval 是等待被信号终止的进程退出时重新检查存活状态的间隔。
const terminatePollInterval = 500 * time.Millisecond

// ProcessHandle identifies one launched worker process. Owned exclusively by
// the Supervisor.
// ProcessHandle 标识一个已启动的工作进程。由 Supervisor 独占持有。
type ProcessHandle struct {
	Group     string    `yaml:"group"`
	PID       int       `yaml:"pid"`
	StartTime time.Time `yaml:"start_time"`
	LogFile   string    `yaml:"log_file,omitempty"`
}

// GroupFailure is one entry of a partial-failure result.
// GroupFailure 是部分失败结果中的一项。
type GroupFailure struct {
	Group string
	Err   error
}

func (f GroupFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Group, f.Err)
}

// Options configures supervisor timing and limits.
// Options 配置监督器的时间参数与限制。
type Options struct {
	GraceTimeout  time.Duration // per-process stop grace / 每个进程的停止宽限时间
	SettleDelay   time.Duration // readiness fallback for portless dependencies / 无端口依赖的就绪回退延迟
	ReadyTimeout  time.Duration // max wait for a port-probed dependency / 端口探测依赖的最长等待时间
	MaxRestarts   int           // relaunch ceiling within RestartWindow / RestartWindow 内的重启上限
	RestartWindow time.Duration // rolling window for the ceiling / 上限的滚动窗口
	StateDir      string        // pid snapshot directory / pid 快照目录
	ProcRoot      string        // procfs mount, overridable in tests / procfs 挂载点，测试中可覆盖
}

// Supervisor enforces the registry against the live process set.
// Supervisor 将注册表落实到实际进程集合。
type Supervisor struct {
	reg      *registry.Registry
	launcher Launcher
	logger   *zap.Logger
	opts     Options
	budget   *restartBudget

	mu      sync.RWMutex
	handles map[string]*ProcessHandle

	// portMu serializes launches of groups that bind a fixed port, so a
	// restart cycle never races two processes for the same bind.
	// portMu 串行化绑定固定端口的组的启动，重启周期中不会有两个进程争抢同一端口。
	portMu sync.Mutex

	selfPID int
}

// New creates a Supervisor over a validated registry.
// New 基于已验证的注册表创建 Supervisor。
func New(reg *registry.Registry, launcher Launcher, logger *zap.Logger, opts Options) *Supervisor {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	return &Supervisor{
		reg:      reg,
		launcher: launcher,
		logger:   logger,
		opts:     opts,
		budget:   newRestartBudget(opts.MaxRestarts, opts.RestartWindow),
		handles:  make(map[string]*ProcessHandle),
		selfPID:  os.Getpid(),
	}
}

// Reset forcibly terminates any live processes matching a declared group's
// command line, waits for the groups' fixed ports to be released, and clears
// stale state files. Safe to call when nothing matches: that is a no-op, not
// an error. Matching is exact against /proc metadata; the daemon's own PID is
// always excluded.
// Reset 强制终止任何命令行匹配已声明组的存活进程，等待组的固定端口释放，并
// 清理过期的状态文件。无匹配时调用是安全的无操作，不算错误。匹配基于 /proc
// 元数据精确进行；始终排除守护进程自身的 PID。
func (s *Supervisor) Reset(ctx context.Context) error {
	// Recorded pids from a previous run are only trusted if the process's
	// current command line still matches its group; pids get recycled.
	// 上一轮记录的 pid 仅在进程当前命令行仍匹配其组时才可信；pid 会被复用。
	if snap, err := s.readState(); err == nil && snap != nil {
		for _, w := range snap.Workers {
			g, ok := s.reg.Get(w.Group)
			if !ok || !g.MatchesArgv(readCmdline(s.opts.ProcRoot, w.PID)) {
				continue
			}
			s.logger.Info("terminating worker recorded by previous run",
				zap.String("group", w.Group),
				zap.Int("pid", w.PID))
			_ = s.launcher.Signal(w.PID, syscall.SIGKILL)
		}
	}

	strays := s.findStrays()
	for _, stray := range strays {
		s.logger.Info("terminating stray worker process",
			zap.String("group", stray.Group),
			zap.Int("pid", stray.PID))
		if err := s.launcher.Signal(stray.PID, syscall.SIGKILL); err != nil {
			// Already gone is the common case here
			// 这里进程已退出是常见情况
			s.logger.Debug("stray signal failed", zap.Int("pid", stray.PID), zap.Error(err))
		}
	}

	// Wait for fixed ports to come free before anything rebinds them
	// 在任何进程重新绑定之前等待固定端口释放
	for _, g := range s.reg.Groups() {
		if g.Port <= 0 {
			continue
		}
		if err := s.waitPortReleased(ctx, g.Port); err != nil {
			return fmt.Errorf("port %d held by group %s: %w", g.Port, g.Name, err)
		}
	}

	if err := s.clearState(); err != nil {
		s.logger.Warn("stale state cleanup failed", zap.Error(err))
	}

	s.budget.Forget()
	s.mu.Lock()
	s.handles = make(map[string]*ProcessHandle)
	s.mu.Unlock()

	if len(strays) > 0 {
		s.logger.Info("environment reset complete", zap.Int("strays_killed", len(strays)))
	}
	return nil
}

// StartAll launches all groups in ascending startup order. Groups sharing a
// startup order launch concurrently; a group with dependencies waits for each
// dependency's ready signal (port probe) or the settling delay first. Each
// launch is independent: one group's failure never prevents attempting the
// rest. The returned slice lists every group that failed, with its error kind.
// StartAll 按启动顺序升序启动所有组。同一启动顺序的组并发启动；有依赖的组先
// 等待每个依赖的就绪信号（端口探测）或沉降延迟。每次启动相互独立：一个组失败
// 不会阻止尝试其余组。返回值列出所有失败的组及其错误类别。
func (s *Supervisor) StartAll(ctx context.Context) []GroupFailure {
	var (
		failMu   sync.Mutex
		failures []GroupFailure
	)

	for _, rank := range s.reg.OrderRanks() {
		var wg sync.WaitGroup
		for _, g := range rank {
			wg.Add(1)
			go func(g *registry.WorkerGroup) {
				defer wg.Done()
				if err := s.startGroup(ctx, g); err != nil {
					s.logger.Error("group start failed",
						zap.String("group", g.Name),
						zap.Error(err))
					failMu.Lock()
					failures = append(failures, GroupFailure{Group: g.Name, Err: err})
					failMu.Unlock()
				}
			}(g)
		}
		wg.Wait()
	}

	if err := s.writeState(); err != nil {
		s.logger.Warn("state snapshot failed", zap.Error(err))
	}
	return failures
}

// startGroup waits for the group's dependencies and then launches it.
// startGroup 等待组的依赖后启动该组。
func (s *Supervisor) startGroup(ctx context.Context, g *registry.WorkerGroup) error {
	if g.DependsOn != "" {
		if err := s.waitDependencyReady(ctx, g.DependsOn); err != nil {
			return err
		}
	}

	handle, err := s.launch(ctx, g)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handles[g.Name] = handle
	s.mu.Unlock()

	s.logger.Info("worker group started",
		zap.String("group", g.Name),
		zap.Int("pid", handle.PID),
		zap.String("command", g.CommandLine()))
	return nil
}

// launch starts the group's process, serializing launches that bind a port.
// launch 启动组的进程，串行化绑定端口的启动。
func (s *Supervisor) launch(ctx context.Context, g *registry.WorkerGroup) (*ProcessHandle, error) {
	if g.Port > 0 {
		s.portMu.Lock()
		defer s.portMu.Unlock()
	}
	return s.launcher.Launch(ctx, g)
}

// waitDependencyReady blocks until the named dependency reports ready. A
// dependency with a declared port is probed until it answers or ReadyTimeout
// elapses; a portless dependency is considered ready once SettleDelay has
// passed since its launch.
// waitDependencyReady 阻塞直到指定依赖就绪。声明了端口的依赖通过探测端口直到
// 响应或超过 ReadyTimeout；无端口的依赖在其启动后经过 SettleDelay 即视为就绪。
func (s *Supervisor) waitDependencyReady(ctx context.Context, dep string) error {
	g, ok := s.reg.Get(dep)
	if !ok {
		return fmt.Errorf("%w: unknown dependency %s", ErrDependencyTimeout, dep)
	}

	if g.Port > 0 {
		deadline := time.Now().Add(s.opts.ReadyTimeout)
		for time.Now().Before(deadline) {
			if s.launcher.ProbePort(g.Port) {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrDependencyTimeout, dep, ctx.Err())
			case <-time.After(terminatePollInterval):
			}
		}
		return fmt.Errorf("%w: %s did not answer on port %d", ErrDependencyTimeout, dep, g.Port)
	}

	// No ready signal available; give the dependency a fixed settling window.
	// 没有可用的就绪信号；给依赖一个固定的沉降窗口。
	s.mu.RLock()
	handle := s.handles[dep]
	s.mu.RUnlock()

	wait := s.opts.SettleDelay
	if handle != nil {
		if elapsed := time.Since(handle.StartTime); elapsed < wait {
			wait -= elapsed
		} else {
			wait = 0
		}
	}
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrDependencyTimeout, dep, ctx.Err())
	case <-time.After(wait):
		return nil
	}
}

// StopAll terminates all tracked processes in reverse startup order. Each
// process gets SIGTERM, a bounded grace period polled at 500ms, then SIGKILL.
// Failures are collected per group, never aborting the remaining stops.
// StopAll 按启动顺序的逆序终止所有被跟踪的进程。每个进程先收到 SIGTERM，
// 在有限宽限期内以 500ms 轮询，随后 SIGKILL。失败按组收集，不会中止其余停止。
func (s *Supervisor) StopAll(ctx context.Context) []GroupFailure {
	var failures []GroupFailure

	for _, g := range s.reg.StopSequence() {
		s.mu.Lock()
		handle := s.handles[g.Name]
		delete(s.handles, g.Name)
		s.mu.Unlock()

		if handle == nil {
			continue
		}
		if err := s.terminate(ctx, handle); err != nil {
			failures = append(failures, GroupFailure{Group: g.Name, Err: err})
		}
	}

	if err := s.clearState(); err != nil {
		s.logger.Warn("state cleanup failed", zap.Error(err))
	}
	return failures
}

// terminate escalates from SIGTERM to SIGKILL after the grace period.
// terminate 在宽限期后从 SIGTERM 升级到 SIGKILL。
func (s *Supervisor) terminate(ctx context.Context, handle *ProcessHandle) error {
	if !s.launcher.Alive(handle.PID) {
		return nil
	}

	s.logger.Info("stopping worker group",
		zap.String("group", handle.Group),
		zap.Int("pid", handle.PID))

	if err := s.launcher.Signal(handle.PID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: SIGTERM pid %d: %v", ErrStopFailure, handle.PID, err)
	}

	deadline := time.Now().Add(s.opts.GraceTimeout)
	for time.Now().Before(deadline) {
		if !s.launcher.Alive(handle.PID) {
			return nil
		}
		select {
		case <-ctx.Done():
			// Shutdown deadline hit; escalate immediately
			// 达到关停截止时间；立即升级
			deadline = time.Now()
		case <-time.After(terminatePollInterval):
		}
	}

	s.logger.Warn("grace period expired, escalating to SIGKILL",
		zap.String("group", handle.Group),
		zap.Int("pid", handle.PID))
	if err := s.launcher.Signal(handle.PID, syscall.SIGKILL); err != nil {
		return fmt.Errorf("%w: SIGKILL pid %d: %v", ErrStopFailure, handle.PID, err)
	}
	return nil
}

// Reconcile runs until ctx is cancelled, checking every interval for tracked
// processes that have exited and relaunching them while the group's restart
// budget lasts. A group past the ceiling is marked degraded and left down.
// Reconcile 运行直到 ctx 被取消，每个周期检查已退出的被跟踪进程，并在组的
// 重启预算内重新启动。超过上限的组被标记为降级并保持停止。
func (s *Supervisor) Reconcile(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Supervisor) reconcileOnce(ctx context.Context) {
	s.mu.RLock()
	crashed := make([]*ProcessHandle, 0)
	for _, handle := range s.handles {
		if !s.launcher.Alive(handle.PID) {
			crashed = append(crashed, handle)
		}
	}
	s.mu.RUnlock()

	for _, handle := range crashed {
		g, ok := s.reg.Get(handle.Group)
		if !ok {
			continue
		}

		if !s.budget.Allow(g.Name) {
			if !s.alreadyReportedDegraded(g.Name, handle.PID) {
				s.logger.Error("group exceeded restart ceiling, marking degraded",
					zap.String("group", g.Name),
					zap.Error(ErrRetryCeilingExceeded))
			}
			s.dropHandle(g.Name, handle.PID)
			continue
		}

		s.logger.Warn("worker exited unexpectedly, relaunching",
			zap.String("group", g.Name),
			zap.Int("old_pid", handle.PID))

		if err := s.startGroup(ctx, g); err != nil {
			s.logger.Error("relaunch failed",
				zap.String("group", g.Name),
				zap.Error(err))
			s.dropHandle(g.Name, handle.PID)
			continue
		}
		if err := s.writeState(); err != nil {
			s.logger.Warn("state snapshot failed", zap.Error(err))
		}
	}
}

// dropHandle removes a handle only if it still maps to the crashed PID, so a
// concurrent relaunch is never clobbered.
// dropHandle 仅在句柄仍映射到崩溃的 PID 时移除，避免覆盖并发的重新启动。
func (s *Supervisor) dropHandle(group string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[group]; ok && h.PID == pid {
		delete(s.handles, group)
	}
}

// alreadyReportedDegraded reports whether the degraded transition for this
// group was already logged (the handle is gone once dropped).
// alreadyReportedDegraded 报告该组的降级转变是否已经记录过（句柄一旦移除即消失）。
func (s *Supervisor) alreadyReportedDegraded(group string, pid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[group]
	return !ok || h.PID != pid
}

// DegradedGroups returns the names of groups past their restart ceiling.
// DegradedGroups 返回超过重启上限的组名。
func (s *Supervisor) DegradedGroups() []string {
	return s.budget.DegradedGroups()
}

// Handles returns a snapshot of the currently tracked processes.
// Handles 返回当前被跟踪进程的快照。
func (s *Supervisor) Handles() []ProcessHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProcessHandle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, *h)
	}
	return out
}

// findStrays scans procfs for live processes whose argument vector matches a
// declared group. The supervisor's own PID is excluded so the daemon can never
// select itself for termination.
// findStrays 扫描 procfs 查找参数向量匹配已声明组的存活进程。排除监督器自身
// 的 PID，守护进程永远不会选中自己进行终止。
func (s *Supervisor) findStrays() []ProcessHandle {
	entries, err := os.ReadDir(s.opts.ProcRoot)
	if err != nil {
		return nil
	}

	var strays []ProcessHandle
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		if pid == s.selfPID {
			continue
		}

		argv := readCmdline(s.opts.ProcRoot, pid)
		if len(argv) == 0 {
			continue
		}
		for _, g := range s.reg.Groups() {
			if g.MatchesArgv(argv) {
				strays = append(strays, ProcessHandle{Group: g.Name, PID: pid})
				break
			}
		}
	}
	return strays
}

// waitPortReleased polls until the port stops answering or the grace timeout
// elapses.
// waitPortReleased 轮询直到端口不再响应或宽限超时。
func (s *Supervisor) waitPortReleased(ctx context.Context, port int) error {
	deadline := time.Now().Add(s.opts.GraceTimeout)
	for {
		if !s.launcher.ProbePort(port) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("still bound after %s", s.opts.GraceTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(terminatePollInterval):
		}
	}
}

// readCmdline returns the NUL-separated argument vector of a process, or nil
// if the process is gone or unreadable.
// readCmdline 返回进程的以 NUL 分隔的参数向量；进程消失或不可读时返回 nil。
func readCmdline(procRoot string, pid int) []string {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil || len(data) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimRight(data, "\x00"), []byte{0})
	argv := make([]string, 0, len(parts))
	for _, p := range parts {
		argv = append(argv, string(p))
	}
	return argv
}
