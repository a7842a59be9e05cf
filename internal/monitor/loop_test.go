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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docbatch/warden/internal/sysmon"
)

type stubSampler struct {
	mu      sync.Mutex
	percent float64
	err     error
}

func (s *stubSampler) set(percent float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percent = percent
	s.err = err
}

func (s *stubSampler) Sample(ctx context.Context) (*sysmon.MemorySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &sysmon.MemorySample{
		Timestamp:        time.Now(),
		TotalKB:          1000000,
		AvailableKB:      uint64(10000 * s.percent),
		AvailablePercent: s.percent,
		Tags: map[string]sysmon.TagUsage{
			"worker": {RSSBytes: 1 << 30, Count: 4},
		},
	}, nil
}

type stubOom struct {
	line string
	err  error
}

func (s *stubOom) LastOomEvent(ctx context.Context) (*sysmon.OomEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.line == "" {
		return nil, nil
	}
	return &sysmon.OomEvent{Line: s.line, DetectedAt: time.Now()}, nil
}

type stubDegraded struct{ names []string }

func (s *stubDegraded) DegradedGroups() []string { return s.names }

// recordingSink captures every emitted report, thread-safe.
// recordingSink 线程安全地捕获每份发出的报告。
type recordingSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *recordingSink) Emit(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) snapshot() []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func runLoopFor(t *testing.T, loop *Loop, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

// TestLoopCadence tests that reports are monotonically increasing and spaced
// at least one interval apart
// TestLoopCadence 测试报告时间戳单调递增且间隔至少一个周期
func TestLoopCadence(t *testing.T) {
	sampler := &stubSampler{percent: 50}
	sink := &recordingSink{}
	interval := 20 * time.Millisecond
	loop := NewLoop(sampler, &stubOom{}, &stubDegraded{}, interval, time.Second, zap.NewNop(), sink)

	runLoopFor(t, loop, 120*time.Millisecond)

	reports := sink.snapshot()
	require.GreaterOrEqual(t, len(reports), 3)
	for i := 1; i < len(reports); i++ {
		gap := reports[i].Timestamp.Sub(reports[i-1].Timestamp)
		assert.GreaterOrEqual(t, gap, interval, "tick %d arrived early", i)
	}
	for _, r := range reports {
		assert.True(t, r.SampleOK)
		assert.Equal(t, sysmon.TierOK, r.Tier)
	}
}

// TestLoopNoReportAfterCancel tests that cancellation stops emission cleanly
// TestLoopNoReportAfterCancel 测试取消后干净地停止报告
func TestLoopNoReportAfterCancel(t *testing.T) {
	sampler := &stubSampler{percent: 50}
	sink := &recordingSink{}
	loop := NewLoop(sampler, &stubOom{}, nil, 10*time.Millisecond, time.Second, zap.NewNop(), sink)

	runLoopFor(t, loop, 50*time.Millisecond)
	countAtCancel := len(sink.snapshot())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAtCancel, len(sink.snapshot()),
		"reports were emitted after cancellation took effect")
}

// TestLoopDegradesOnSampleFailure tests that a failing source yields an
// unknown report, never a crash or a skipped tick
// TestLoopDegradesOnSampleFailure 测试数据源失败时产生未知报告，绝不崩溃
// 也不跳过周期
func TestLoopDegradesOnSampleFailure(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(0, errors.New("meminfo: no such file"))
	sink := &recordingSink{}
	loop := NewLoop(sampler, &stubOom{err: errors.New("dmesg unavailable")}, &stubDegraded{},
		10*time.Millisecond, time.Second, zap.NewNop(), sink)

	runLoopFor(t, loop, 45*time.Millisecond)

	reports := sink.snapshot()
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.False(t, r.SampleOK)
		assert.Equal(t, "UNKNOWN", r.TierLabel())
		assert.Empty(t, r.OomLine)
	}
}

// TestLoopReportCarriesContext tests the OOM line and degraded group names
// flow into every report
// TestLoopReportCarriesContext 测试 OOM 行和降级组名进入每份报告
func TestLoopReportCarriesContext(t *testing.T) {
	sampler := &stubSampler{percent: 15} // CAUTION territory / CAUTION 区间
	sink := &recordingSink{}
	loop := NewLoop(sampler,
		&stubOom{line: "Out of memory: Killed process 42 (vllm)"},
		&stubDegraded{names: []string{"gpt-worker"}},
		10*time.Millisecond, time.Second, zap.NewNop(), sink)

	runLoopFor(t, loop, 35*time.Millisecond)

	reports := sink.snapshot()
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.Equal(t, sysmon.TierCaution, r.Tier)
		assert.Contains(t, r.OomLine, "Killed process 42")
		assert.Equal(t, []string{"gpt-worker"}, r.DegradedGroups)
	}
}

// TestConsoleSinkRendering pins the human-readable shape of a report
// TestConsoleSinkRendering 固定报告的人类可读形式
func TestConsoleSinkRendering(t *testing.T) {
	var buf strings.Builder
	sink := NewConsoleSink(&buf)

	sink.Emit(&Report{
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SampleOK:         true,
		Tier:             sysmon.TierWarning,
		TotalKB:          8 * 1024 * 1024,
		AvailableKB:      512 * 1024,
		AvailablePercent: 6.3,
		Tags: map[string]sysmon.TagUsage{
			"inference-server": {RSSBytes: 4 << 30, Count: 1},
		},
		OomLine:        "Out of memory: Killed process 42 (vllm)",
		DegradedGroups: []string{"ocr-worker"},
	})

	out := buf.String()
	assert.Contains(t, out, "memory WARNING")
	assert.Contains(t, out, "available 6.3%")
	assert.Contains(t, out, "inference-server 4096 MB x1")
	assert.Contains(t, out, "last OOM: Out of memory: Killed process 42 (vllm)")
	assert.Contains(t, out, "DEGRADED: ocr-worker")

	// The unknown rendering omits percentages but still reports
	// 未知状态的渲染省略百分比但仍然报告
	buf.Reset()
	sink.Emit(&Report{Timestamp: time.Now(), SampleOK: false})
	assert.Contains(t, buf.String(), "memory UNKNOWN")
	assert.Contains(t, buf.String(), "degraded: none")
}
