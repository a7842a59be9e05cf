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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// For any ceiling, exactly that many attempts are allowed within the window;
// the next one is denied and the group stays degraded until Forget.
// 对于任意上限，窗口内恰好允许该数量的尝试；下一次被拒绝，且该组保持降级
// 直到 Forget。
func TestProperty_RestartCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 6).Draw(t, "maxRestarts")
		b := newRestartBudget(max, time.Minute)
		group := rapid.StringMatching(`[a-z]+-worker`).Draw(t, "group")

		for i := 0; i < max; i++ {
			if !b.Allow(group) {
				t.Fatalf("attempt %d of %d denied early", i+1, max)
			}
		}
		if b.Allow(group) {
			t.Errorf("attempt past ceiling %d was allowed", max)
		}
		if !b.Degraded(group) {
			t.Error("group not degraded after exceeding ceiling")
		}

		// Degraded latches even after the window rolls past
		// 即使窗口滚动过去，降级状态仍然保持
		b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		if b.Allow(group) {
			t.Error("degraded group re-armed without Forget")
		}

		b.Forget()
		if b.Degraded(group) || !b.Allow(group) {
			t.Error("Forget did not restore the budget")
		}
	})
}

// TestRestartBudgetWindowRolls tests that old attempts expire from the window
// TestRestartBudgetWindowRolls 测试旧尝试从窗口中过期
func TestRestartBudgetWindowRolls(t *testing.T) {
	base := time.Now()
	now := base
	b := newRestartBudget(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow("w"))
	assert.True(t, b.Allow("w"))

	// Still within the window: the third attempt trips the ceiling only if
	// it happens before the old attempts expire.
	// 仍在窗口内：若旧尝试尚未过期，第三次尝试会触发上限。
	now = base.Add(2 * time.Minute)
	assert.True(t, b.Allow("w"), "attempts outside the window must not count")
	assert.False(t, b.Degraded("w"))

	b2 := newRestartBudget(2, time.Minute)
	b2.now = func() time.Time { return base }
	assert.True(t, b2.Allow("w"))
	assert.True(t, b2.Allow("w"))
	assert.False(t, b2.Allow("w"))
	assert.True(t, b2.Degraded("w"))
}

// TestRestartBudgetPerGroup tests that budgets are independent per group
// TestRestartBudgetPerGroup 测试各组预算相互独立
func TestRestartBudgetPerGroup(t *testing.T) {
	b := newRestartBudget(1, time.Minute)

	assert.True(t, b.Allow("a"))
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"), "group b must not inherit group a's exhaustion")

	assert.ElementsMatch(t, []string{"a"}, b.DegradedGroups())
}
