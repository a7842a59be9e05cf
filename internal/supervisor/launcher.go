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

package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/docbatch/warden/internal/registry"
)

// Launcher is the process control surface used by the supervisor. The
// production implementation shells out to the OS; tests substitute a fake.
// Launcher 是监督器使用的进程控制接口。生产实现调用操作系统；测试替换为伪实现。
type Launcher interface {
	// Launch starts one process for the group and returns its handle
	// Launch 为该组启动一个进程并返回其句柄
	Launch(ctx context.Context, group *registry.WorkerGroup) (*ProcessHandle, error)

	// Signal sends a signal to a previously launched process
	// Signal 向先前启动的进程发送信号
	Signal(pid int, sig syscall.Signal) error

	// Alive reports whether the process still exists
	// Alive 报告进程是否仍然存在
	Alive(pid int) bool

	// ProbePort reports whether the TCP port currently answers
	// ProbePort 报告 TCP 端口当前是否可连接
	ProbePort(port int) bool
}

// execLauncher launches worker processes with os/exec, capturing their
// output under logDir and detaching them into their own process group so a
// Warden restart does not take the workers down with it.
// execLauncher 使用 os/exec 启动工作进程，在 logDir 下捕获输出，并把它们
// 分离到独立进程组，这样 Warden 重启不会连带杀死工作进程。
type execLauncher struct {
	logDir string
}

// NewExecLauncher returns the production launcher writing worker output
// under logDir.
// NewExecLauncher 返回将工作进程输出写入 logDir 的生产启动器。
func NewExecLauncher(logDir string) Launcher {
	return &execLauncher{logDir: logDir}
}

func (l *execLauncher) Launch(ctx context.Context, group *registry.WorkerGroup) (*ProcessHandle, error) {
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create log directory: %v", ErrLaunchFailure, err)
	}

	logFile := filepath.Join(l.logDir,
		fmt.Sprintf("%s-%s.log", group.Name, time.Now().Format("20060102-150405")))
	logWriter, err := os.Create(logFile)
	if err != nil {
		return nil, fmt.Errorf("%w: create log file: %v", ErrLaunchFailure, err)
	}

	cmd := exec.Command(group.Command, group.LaunchArgs()...)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter

	// Inherit the daemon environment, then layer group-specific variables
	// 继承守护进程环境，再叠加组特定的变量
	cmd.Env = os.Environ()
	for k, v := range group.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if runtime.GOOS != "windows" {
		setProcGroupAttr(cmd)
	}

	if err := cmd.Start(); err != nil {
		logWriter.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	// Reap the child when it exits; liveness is polled via Alive, and the
	// file handle is released with the process.
	// 子进程退出时回收；存活状态通过 Alive 轮询，文件句柄随进程一起释放。
	go func() {
		_ = cmd.Wait()
		logWriter.Close()
	}()

	return &ProcessHandle{
		Group:     group.Name,
		PID:       cmd.Process.Pid,
		StartTime: time.Now(),
		LogFile:   logFile,
	}, nil
}

func (l *execLauncher) Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Alive checks process existence with signal 0. On Unix, FindProcess always
// succeeds, so the signal probe is the real check.
// Alive 用信号 0 检查进程存在性。在 Unix 上 FindProcess 总是成功，信号探测才是真正的检查。
func (l *execLauncher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (l *execLauncher) ProbePort(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
