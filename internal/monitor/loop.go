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

// Package monitor runs the periodic memory health loop: sample, classify,
// report, sleep. The loop degrades rather than crashes: a failed sample
// still produces a report with an unknown tier, and cancellation only takes
// effect at the sleep boundary so no partial report is ever emitted.
// monitor 包运行周期性的内存健康循环：采样、分类、报告、休眠。循环降级而
// 不崩溃：采样失败仍会产生一份等级未知的报告，取消仅在休眠边界生效，
// 因此永远不会发出不完整的报告。
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docbatch/warden/internal/sysmon"
)

// MemorySampler is the slice of the system sampler the loop consumes.
// MemorySampler 是循环所使用的系统采样器切面。
type MemorySampler interface {
	Sample(ctx context.Context) (*sysmon.MemorySample, error)
}

// OomSource yields the most recent kernel OOM event, if any.
// OomSource 提供最近的内核 OOM 事件（如有）。
type OomSource interface {
	LastOomEvent(ctx context.Context) (*sysmon.OomEvent, error)
}

// DegradedLister names worker groups past their restart ceiling.
// DegradedLister 列出超过重启上限的工作组。
type DegradedLister interface {
	DegradedGroups() []string
}

// Loop is the periodic monitor. Single-threaded by construction: the next
// tick never starts before the previous tick's report has been emitted.
// Loop 是周期监视器。构造上即为单线程：下一周期绝不会在上一周期的报告
// 发出之前开始。
type Loop struct {
	sampler     MemorySampler
	oom         OomSource
	degraded    DegradedLister
	sinks       []Sink
	interval    time.Duration
	scanTimeout time.Duration
	logger      *zap.Logger

	prevTier sysmon.Tier
	havePrev bool
}

// NewLoop assembles the monitor loop. The degraded lister may be nil when no
// supervisor is attached.
// NewLoop 组装监视循环。未挂接监督器时 degraded 可为 nil。
func NewLoop(sampler MemorySampler, oom OomSource, degraded DegradedLister,
	interval, scanTimeout time.Duration, logger *zap.Logger, sinks ...Sink) *Loop {
	return &Loop{
		sampler:     sampler,
		oom:         oom,
		degraded:    degraded,
		sinks:       sinks,
		interval:    interval,
		scanTimeout: scanTimeout,
		logger:      logger,
	}
}

// Run executes ticks until ctx is cancelled. An in-flight tick always
// completes and its report is emitted; cancellation is observed at the sleep
// boundary between ticks.
// Run 执行周期直到 ctx 被取消。进行中的周期总是完成并发出报告；取消在
// 周期之间的休眠边界被观察到。
func (l *Loop) Run(ctx context.Context) {
	for {
		report := l.tick(ctx)
		for _, sink := range l.sinks {
			sink.Emit(report)
		}
		l.noteTransition(report)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

// tick performs one sample-classify-report cycle and never returns nil. The
// scan timeout bounds each external read; failures degrade the report
// instead of aborting it.
// tick 执行一次采样-分类-报告周期且永不返回 nil。扫描超时限定每次外部
// 读取；失败只降级报告而不会中止它。
func (l *Loop) tick(ctx context.Context) *Report {
	report := &Report{Timestamp: time.Now()}

	sampleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.scanTimeout)
	sample, err := l.sampler.Sample(sampleCtx)
	cancel()
	if err != nil {
		// Degrade, never crash: the report carries an unknown tier
		// 降级而不崩溃：报告带上未知等级
		l.logger.Warn("memory sample unavailable", zap.Error(err))
		report.SampleOK = false
	} else {
		report.SampleOK = true
		report.Tier = sysmon.Classify(sample.AvailablePercent)
		report.TotalKB = sample.TotalKB
		report.AvailableKB = sample.AvailableKB
		report.AvailablePercent = sample.AvailablePercent
		report.Tags = sample.Tags
	}

	oomCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.scanTimeout)
	event, err := l.oom.LastOomEvent(oomCtx)
	cancel()
	if err != nil {
		l.logger.Debug("kernel log scan unavailable", zap.Error(err))
	} else if event != nil {
		report.OomLine = event.Line
	}

	if l.degraded != nil {
		report.DegradedGroups = l.degraded.DegradedGroups()
	}
	return report
}

// noteTransition logs tier changes once, so the log carries the edges while
// the sinks carry every tick.
// noteTransition 只在等级变化时记录一次，日志承载变化沿，接收器承载每个周期。
func (l *Loop) noteTransition(report *Report) {
	if !report.SampleOK {
		l.havePrev = false
		return
	}
	if l.havePrev && l.prevTier != report.Tier {
		l.logger.Info("risk tier changed",
			zap.String("from", l.prevTier.String()),
			zap.String("to", report.Tier.String()),
			zap.Float64("available_percent", report.AvailablePercent))
	}
	l.prevTier = report.Tier
	l.havePrev = true
}
