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

package monitor

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docbatch/warden/internal/sysmon"
)

// Report is one tick's worth of memory health status. Every tick produces
// exactly one Report, even when sampling failed.
// Report 是一次周期的内存健康状态。每个周期恰好产生一个 Report，即使采样失败。
type Report struct {
	Timestamp time.Time

	// SampleOK is false when the memory source was unavailable this tick;
	// the tier is then unknown rather than a stale classification.
	// SampleOK 在本周期内存数据源不可用时为 false；此时等级为未知而非过期分类。
	SampleOK bool
	Tier     sysmon.Tier

	TotalKB          uint64
	AvailableKB      uint64
	AvailablePercent float64
	Tags             map[string]sysmon.TagUsage

	// OomLine is the most recent kernel OOM event line, empty when none
	// was detected or the kernel log was unreadable.
	// OomLine 是最近一条内核 OOM 事件行；未检测到或内核日志不可读时为空。
	OomLine string

	// DegradedGroups lists groups past their restart ceiling. Always
	// present in the rendered report, even when empty.
	// DegradedGroups 列出超过重启上限的组。渲染报告中始终存在，即使为空。
	DegradedGroups []string
}

// TierLabel is the human-readable tier, "UNKNOWN" when sampling failed.
// TierLabel 是人类可读的等级；采样失败时为 "UNKNOWN"。
func (r *Report) TierLabel() string {
	if !r.SampleOK {
		return "UNKNOWN"
	}
	return r.Tier.String()
}

// Sink receives each tick's report.
// Sink 接收每个周期的报告。
type Sink interface {
	Emit(r *Report)
}

// ZapSink emits reports as structured log entries, with log level escalating
// alongside the risk tier.
// ZapSink 将报告作为结构化日志条目输出，日志级别随风险等级升级。
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps a zap logger as a report sink.
// NewZapSink 将 zap 日志器包装为报告接收器。
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(r *Report) {
	fields := []zap.Field{
		zap.Time("timestamp", r.Timestamp),
		zap.String("tier", r.TierLabel()),
		zap.Float64("available_percent", r.AvailablePercent),
		zap.Uint64("available_kb", r.AvailableKB),
		zap.Uint64("total_kb", r.TotalKB),
		zap.Strings("degraded_groups", r.DegradedGroups),
	}
	for _, tag := range sortedTags(r.Tags) {
		usage := r.Tags[tag]
		fields = append(fields,
			zap.Int64(tag+"_rss_bytes", usage.RSSBytes),
			zap.Int(tag+"_count", usage.Count))
	}
	if r.OomLine != "" {
		fields = append(fields, zap.String("oom_event", r.OomLine))
	}

	switch {
	case !r.SampleOK:
		s.logger.Warn("memory status unknown", fields...)
	case r.Tier == sysmon.TierWarning:
		s.logger.Error("memory status", fields...)
	case r.Tier == sysmon.TierCaution:
		s.logger.Warn("memory status", fields...)
	default:
		s.logger.Info("memory status", fields...)
	}
}

// ConsoleSink renders reports as human-readable text, one block per tick.
// ConsoleSink 将报告渲染为人类可读文本，每个周期一个区块。
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink renders reports to w.
// NewConsoleSink 将报告渲染到 w。
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Emit(r *Report) {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] memory %s", r.Timestamp.Format("2006-01-02 15:04:05"), r.TierLabel())
	if r.SampleOK {
		fmt.Fprintf(&b, " | available %.1f%% (%d/%d MB)",
			r.AvailablePercent, r.AvailableKB/1024, r.TotalKB/1024)
		for _, tag := range sortedTags(r.Tags) {
			usage := r.Tags[tag]
			fmt.Fprintf(&b, " | %s %d MB x%d", tag, usage.RSSBytes/(1024*1024), usage.Count)
		}
	}
	if r.OomLine != "" {
		fmt.Fprintf(&b, "\n  last OOM: %s", r.OomLine)
	}
	if len(r.DegradedGroups) > 0 {
		fmt.Fprintf(&b, "\n  DEGRADED: %s", strings.Join(r.DegradedGroups, ", "))
	} else {
		b.WriteString("\n  degraded: none")
	}
	b.WriteByte('\n')

	fmt.Fprint(s.w, b.String())
}

func sortedTags(tags map[string]sysmon.TagUsage) []string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
