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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scannerWithDmesg(out string, err error) *OomScanner {
	s := NewOomScanner(nil)
	s.runDmesg = func(ctx context.Context) ([]byte, error) {
		return []byte(out), err
	}
	return s
}

// TestLastOomEventNone tests that kernel output without OOM lines yields nil
// TestLastOomEventNone 测试无 OOM 行的内核输出返回 nil
func TestLastOomEventNone(t *testing.T) {
	s := scannerWithDmesg("[1.0] usb 1-1: new device\n[2.0] eth0: link up\n", nil)
	event, err := s.LastOomEvent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, event)
}

// TestLastOomEventMostRecent tests that the last matching line wins
// TestLastOomEventMostRecent 测试最后一条匹配行胜出
func TestLastOomEventMostRecent(t *testing.T) {
	out := "[100.0] python invoked oom-killer: gfp_mask=0x100cca\n" +
		"[100.1] eth0: link up\n" +
		"[200.0] Out of memory: Killed process 4321 (vllm) total-vm:8000000kB\n" +
		"[300.0] systemd[1]: Started session\n"

	s := scannerWithDmesg(out, nil)
	event, err := s.LastOomEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Contains(t, event.Line, "Killed process 4321")
	assert.False(t, event.DetectedAt.IsZero())
}

// TestLastOomEventSignatures tests the kernel phrasings the scanner recognizes
// TestLastOomEventSignatures 测试扫描器识别的内核措辞
func TestLastOomEventSignatures(t *testing.T) {
	lines := []string{
		"[1.0] Out of memory: Killed process 99 (celery)",
		"[1.0] oom-kill:constraint=CONSTRAINT_NONE,nodemask=(null)",
		"[1.0] oom_reaper: reaped process 99 (celery)",
		"[1.0] celery invoked oom-killer: gfp_mask=0x0",
	}
	for _, line := range lines {
		s := scannerWithDmesg(line+"\n", nil)
		event, err := s.LastOomEvent(context.Background())
		require.NoError(t, err)
		require.NotNil(t, event, "line not recognized: %s", line)
	}
}

// TestLastOomEventLogFallback tests falling back to log files when dmesg fails
// TestLastOomEventLogFallback 测试 dmesg 失败时回退到日志文件
func TestLastOomEventLogFallback(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "kern.log")
	content := "Jan  1 10:00:00 host kernel: Out of memory: Killed process 7 (vllm)\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0644))

	s := NewOomScanner([]string{filepath.Join(tmpDir, "rotated-away.log"), logPath})
	s.runDmesg = func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("dmesg: read kernel buffer failed: Operation not permitted")
	}

	event, err := s.LastOomEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Contains(t, event.Line, "Killed process 7")
}

// TestLastOomEventAllSourcesFail tests the degraded (nil, err) contract
// TestLastOomEventAllSourcesFail 测试降级的 (nil, err) 契约
func TestLastOomEventAllSourcesFail(t *testing.T) {
	s := NewOomScanner([]string{filepath.Join(t.TempDir(), "no-such.log")})
	s.runDmesg = func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("dmesg unavailable")
	}

	event, err := s.LastOomEvent(context.Background())
	assert.Error(t, err)
	assert.Nil(t, event)
}
