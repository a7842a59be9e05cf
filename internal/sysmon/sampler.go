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

// Package sysmon provides system memory sampling, risk classification and
// kernel OOM event detection for the Warden monitor.
// sysmon 包为 Warden 监控器提供系统内存采样、风险分级和内核 OOM 事件检测。
//
// All reads come from procfs via structured per-process metadata (cmdline,
// statm), never from shelling out to ps/grep: substring filtering through a
// pipeline can match its own filter process, a bug class this design removes
// by exact argument matching plus explicit self-PID exclusion.
// 所有读取都通过 procfs 的结构化进程元数据（cmdline、statm）完成，绝不通过
// ps/grep 外壳命令：管道里的子串过滤会匹配到过滤进程自身，本设计通过精确
// 参数匹配加显式排除自身 PID 消除了这一类缺陷。
package sysmon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docbatch/warden/internal/registry"
)

// ErrSourceUnavailable indicates the memory statistics source could not be
// read this tick. Non-fatal: the caller degrades to an "unknown" report.
// ErrSourceUnavailable 表示本周期无法读取内存统计源。非致命：调用方降级为 "unknown" 报告。
var ErrSourceUnavailable = errors.New("memory statistics source unavailable")

// TagUsage aggregates resident memory across the processes matching one role tag.
// TagUsage 汇总匹配某个角色标签的所有进程的常驻内存。
type TagUsage struct {
	RSSBytes int64 `json:"rss_bytes"`
	Count    int   `json:"count"`
}

// MemorySample is one instantaneous reading of system memory. Immutable
// once produced; one per sampling tick.
// MemorySample 是系统内存的一次瞬时读数。产生后不可变；每个采样周期一个。
type MemorySample struct {
	Timestamp time.Time `json:"timestamp"`

	// TotalKB and AvailableKB are in kilobytes, as /proc/meminfo reports them
	// TotalKB 和 AvailableKB 单位为 KB，与 /proc/meminfo 一致
	TotalKB     uint64 `json:"total_kb"`
	AvailableKB uint64 `json:"available_kb"`

	// AvailablePercent = available/total x 100, one decimal place
	// AvailablePercent = 可用/总量 x 100，保留一位小数
	AvailablePercent float64 `json:"available_percent"`

	// Tags maps role tag to aggregated RSS over matching processes
	// Tags 将角色标签映射到匹配进程的聚合 RSS
	Tags map[string]TagUsage `json:"tags"`
}

// Sampler reads instantaneous memory statistics from procfs.
// Sampler 从 procfs 读取瞬时内存统计。
type Sampler struct {
	procRoot string
	selfPID  int
	pageSize int64
	groups   []*registry.WorkerGroup
}

// NewSampler creates a sampler rooted at procRoot (normally "/proc";
// overridable for tests) that aggregates RSS per role tag of reg's groups.
// NewSampler 创建以 procRoot（通常为 "/proc"，测试可覆盖）为根的采样器，
// 按 reg 中各组的角色标签聚合 RSS。
func NewSampler(procRoot string, reg *registry.Registry) *Sampler {
	return &Sampler{
		procRoot: procRoot,
		selfPID:  os.Getpid(),
		pageSize: int64(os.Getpagesize()),
		groups:   reg.Groups(),
	}
}

// Sample reads total/available memory and per-tag RSS. Fails with an error
// wrapping ErrSourceUnavailable if the statistics source cannot be read;
// the caller must degrade rather than crash the monitor loop.
// Sample 读取总量/可用内存和按标签的 RSS。统计源不可读时返回包装
// ErrSourceUnavailable 的错误；调用方必须降级而不是让监控循环崩溃。
func (s *Sampler) Sample(ctx context.Context) (*MemorySample, error) {
	totalKB, availKB, err := s.readMemInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	sample := &MemorySample{
		Timestamp:        time.Now(),
		TotalKB:          totalKB,
		AvailableKB:      availKB,
		AvailablePercent: availabilityPercent(totalKB, availKB),
		Tags:             make(map[string]TagUsage),
	}

	// Every tag appears in the sample even with zero matches, so reports
	// show dead groups as count=0 instead of silently omitting them.
	// 每个标签即使无匹配也出现在样本中，报告里死掉的组显示 count=0 而不是被静默省略。
	for _, g := range s.groups {
		if g.Role != "" {
			if _, ok := sample.Tags[g.Role]; !ok {
				sample.Tags[g.Role] = TagUsage{}
			}
		}
	}

	if err := s.aggregateRSS(ctx, sample); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return sample, nil
}

// availabilityPercent computes available/total x 100 at one decimal place.
// availabilityPercent 计算可用/总量 x 100，保留一位小数。
func availabilityPercent(totalKB, availKB uint64) float64 {
	if totalKB == 0 {
		return 0
	}
	p := float64(availKB) / float64(totalKB) * 100
	return math.Round(p*10) / 10
}

// readMemInfo parses MemTotal and MemAvailable from procRoot/meminfo.
// readMemInfo 从 procRoot/meminfo 解析 MemTotal 和 MemAvailable。
func (s *Sampler) readMemInfo() (totalKB, availKB uint64, err error) {
	f, err := os.Open(filepath.Join(s.procRoot, "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var haveTotal, haveAvail bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, err = strconv.ParseUint(fields[1], 10, 64)
			haveTotal = err == nil
		case "MemAvailable:":
			availKB, err = strconv.ParseUint(fields[1], 10, 64)
			haveAvail = err == nil
		}
		if haveTotal && haveAvail {
			return totalKB, availKB, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
}

// aggregateRSS enumerates live processes and sums resident memory per role tag.
// The sampler's own PID is always excluded.
// aggregateRSS 枚举存活进程并按角色标签汇总常驻内存。始终排除采样器自身的 PID。
func (s *Sampler) aggregateRSS(ctx context.Context, sample *MemorySample) error {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		// Honor the caller's read timeout between process reads
		// 在每次进程读取之间遵守调用方的读取超时
		if err := ctx.Err(); err != nil {
			return err
		}

		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		if pid == s.selfPID {
			continue
		}

		argv := s.readCmdline(pid)
		if len(argv) == 0 {
			continue // kernel thread or already-gone process / 内核线程或已退出的进程
		}

		for _, g := range s.groups {
			if g.Role == "" || !g.MatchesArgv(argv) {
				continue
			}
			usage := sample.Tags[g.Role]
			usage.RSSBytes += s.readRSSBytes(pid)
			usage.Count++
			sample.Tags[g.Role] = usage
			break // one group match per process / 每个进程最多匹配一个组
		}
	}

	return nil
}

// readCmdline returns the NUL-separated argument vector of a process,
// or nil if the process is gone or unreadable.
// readCmdline 返回进程的以 NUL 分隔的参数向量；进程消失或不可读时返回 nil。
func (s *Sampler) readCmdline(pid int) []string {
	data, err := os.ReadFile(filepath.Join(s.procRoot, strconv.Itoa(pid), "cmdline"))
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

// readRSSBytes reads the resident set size of a process from statm.
// RSS is in pages; converted using the system page size.
// readRSSBytes 从 statm 读取进程的常驻集大小。RSS 以页为单位，按系统页大小换算。
func (s *Sampler) readRSSBytes(pid int) int64 {
	data, err := os.ReadFile(filepath.Join(s.procRoot, strconv.Itoa(pid), "statm"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * s.pageSize
}
