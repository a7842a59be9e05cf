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
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestClassify tests tier assignment, in particular both threshold boundaries
// TestClassify 测试等级划分，尤其是两个阈值边界
func TestClassify(t *testing.T) {
	tests := []struct {
		available float64
		want      Tier
	}{
		{0.0, TierWarning},
		{5.0, TierWarning},
		{9.9, TierWarning},
		{10.0, TierCaution}, // boundary lands on the calmer tier / 边界落在较平静的等级
		{10.1, TierCaution},
		{15.0, TierCaution},
		{19.9, TierCaution},
		{20.0, TierOK}, // boundary lands on the calmer tier / 边界落在较平静的等级
		{20.1, TierOK},
		{50.0, TierOK},
		{100.0, TierOK},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.available),
			"available=%.1f%%", tt.available)
	}
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "OK", TierOK.String())
	assert.Equal(t, "CAUTION", TierCaution.String())
	assert.Equal(t, "WARNING", TierWarning.String())
}

// For any availability percentage, exactly one tier applies and the mapping
// is monotonic: more available memory never yields a more severe tier.
// 对于任意可用百分比，恰好对应一个等级且映射单调：可用内存越多，等级绝不
// 会更严重。
func TestProperty_ClassifyMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 100).Draw(t, "a")
		b := rapid.Float64Range(0, 100).Draw(t, "b")
		if a > b {
			a, b = b, a
		}

		// Higher tier constant means more severity / 等级常量越大表示越严重
		if Classify(a) < Classify(b) {
			t.Errorf("monotonicity violated: Classify(%.2f)=%v < Classify(%.2f)=%v",
				a, Classify(a), b, Classify(b))
		}
	})
}
