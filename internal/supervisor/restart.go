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
	"sync"
	"time"
)

// restartBudget limits relaunch attempts per group to maxRestarts within a
// rolling window. Once the ceiling is hit the group is marked degraded and
// stays degraded until Forget is called (a full reset), never silently
// re-armed.
// restartBudget 将每组的重启尝试限制为滚动窗口内最多 maxRestarts 次。
// 一旦达到上限，该组被标记为降级，并保持降级直到调用 Forget（完全重置），
// 不会静默恢复。
type restartBudget struct {
	maxRestarts int
	window      time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	degraded map[string]bool

	// now is swappable for tests
	// now 可在测试中替换
	now func() time.Time
}

func newRestartBudget(maxRestarts int, window time.Duration) *restartBudget {
	return &restartBudget{
		maxRestarts: maxRestarts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		degraded:    make(map[string]bool),
		now:         time.Now,
	}
}

// Allow records one relaunch attempt for the group and reports whether it is
// within budget. The attempt that crosses the ceiling returns false and
// latches the group as degraded.
// Allow 为该组记录一次重启尝试并报告是否在预算内。越过上限的那次尝试
// 返回 false 并将该组锁定为降级状态。
func (b *restartBudget) Allow(group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.degraded[group] {
		return false
	}

	now := b.now()
	cutoff := now.Add(-b.window)

	kept := b.attempts[group][:0]
	for _, t := range b.attempts[group] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= b.maxRestarts {
		b.attempts[group] = kept
		b.degraded[group] = true
		return false
	}

	b.attempts[group] = append(kept, now)
	return true
}

// Degraded reports whether the group has exhausted its restart budget.
// Degraded 报告该组是否已耗尽重启预算。
func (b *restartBudget) Degraded(group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded[group]
}

// DegradedGroups returns the names of all degraded groups.
// DegradedGroups 返回所有降级组的名称。
func (b *restartBudget) DegradedGroups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.degraded))
	for name, d := range b.degraded {
		if d {
			names = append(names, name)
		}
	}
	return names
}

// Forget clears all history and degraded marks. Called on Reset so a fresh
// cycle starts with a full budget.
// Forget 清除所有历史和降级标记。在 Reset 时调用，使新周期拥有完整预算。
func (b *restartBudget) Forget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = make(map[string][]time.Time)
	b.degraded = make(map[string]bool)
}
