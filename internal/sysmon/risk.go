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

// Risk tier thresholds, in percent of available memory.
// 风险级别阈值，单位为可用内存百分比。
const (
	WarningThreshold = 10.0
	CautionThreshold = 20.0
)

// Tier classifies memory pressure. Ordered: TierOK < TierCaution < TierWarning.
// Tier 对内存压力分级。顺序：TierOK < TierCaution < TierWarning。
type Tier int

const (
	TierOK Tier = iota
	TierCaution
	TierWarning
)

// String returns the report-facing name of the tier.
func (t Tier) String() string {
	switch t {
	case TierWarning:
		return "WARNING"
	case TierCaution:
		return "CAUTION"
	default:
		return "OK"
	}
}

// Classify maps an availability percentage to a risk tier. Pure and total:
// boundary values land on the calmer tier (exactly 10.0 is CAUTION, exactly
// 20.0 is OK), so repeated samples at a threshold never flap the alert.
// Classify 将可用百分比映射到风险级别。纯函数且全定义：边界值落在较平静的
// 级别（恰好 10.0 为 CAUTION，恰好 20.0 为 OK），阈值上的重复采样不会抖动告警。
func Classify(availablePercent float64) Tier {
	switch {
	case availablePercent < WarningThreshold:
		return TierWarning
	case availablePercent < CautionThreshold:
		return TierCaution
	default:
		return TierOK
	}
}
