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

package sysmon

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"time"
)

// oomSignature matches the kernel phrasings for an out-of-memory kill.
// Detection is post-hoc: it reports kills that already happened.
// oomSignature 匹配内核对 OOM 击杀的各种措辞。检测是事后的：报告已发生的击杀。
var oomSignature = regexp.MustCompile(`(?i)(out of memory|oom-kill|oom_reaper|invoked oom-killer)`)

// OomEvent is one detected out-of-memory kill line from the kernel log.
// OomEvent 是从内核日志检测到的一条 OOM 击杀记录。
type OomEvent struct {
	// Line is the raw kernel log line / Line 是原始内核日志行
	Line string `json:"line"`

	// DetectedAt is when the scanner saw it, not when the kill happened
	// DetectedAt 是扫描器看到它的时间，不是击杀发生的时间
	DetectedAt time.Time `json:"detected_at"`
}

// OomScanner scans the kernel message log for out-of-memory kill events.
// OomScanner 扫描内核消息日志中的 OOM 击杀事件。
type OomScanner struct {
	// logPaths are tried in order when dmesg is unavailable
	// dmesg 不可用时按顺序尝试 logPaths
	logPaths []string

	// runDmesg is swappable so tests can fabricate kernel output
	// runDmesg 可替换，便于测试伪造内核输出
	runDmesg func(ctx context.Context) ([]byte, error)
}

// NewOomScanner creates a scanner that reads dmesg first and falls back to
// the given log files (rotated, empty or missing files are tolerated).
// NewOomScanner 创建优先读取 dmesg、失败后回退到给定日志文件的扫描器
// （容忍轮转、为空或缺失的文件）。
func NewOomScanner(logPaths []string) *OomScanner {
	return &OomScanner{
		logPaths: logPaths,
		runDmesg: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "dmesg").Output()
		},
	}
}

// LastOomEvent returns the most recent out-of-memory line, or nil if none
// exists. A failing or inaccessible log source yields (nil, err); callers
// degrade to "none detected" rather than failing their tick.
// LastOomEvent 返回最近一条 OOM 记录，没有则返回 nil。日志源失败或不可访问
// 时返回 (nil, err)；调用方降级为 "未检测到" 而不是让本周期失败。
func (o *OomScanner) LastOomEvent(ctx context.Context) (*OomEvent, error) {
	out, err := o.runDmesg(ctx)
	if err == nil {
		return lastMatch(out), nil
	}

	// dmesg may be unavailable or restricted; fall back to log files
	// dmesg 可能不可用或受限；回退到日志文件
	var lastErr = err
	for _, path := range o.logPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		return lastMatch(data), nil
	}
	return nil, lastErr
}

// lastMatch scans log output and keeps only the most recent matching line.
// lastMatch 扫描日志输出，只保留最近一条匹配行。
func lastMatch(data []byte) *OomEvent {
	var last string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); oomSignature.MatchString(line) {
			last = line
		}
	}
	if last == "" {
		return nil
	}
	return &OomEvent{Line: last, DetectedAt: time.Now()}
}
