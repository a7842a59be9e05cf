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

package registry

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// For any set of groups, the start sequence is sorted by start order, ties
// broken by declaration position, and the stop sequence is its exact reverse.
// 对于任意组集合，启动序列按启动顺序排序，平局按声明位置打破，停止序列是
// 其精确逆序。
func TestProperty_StartSequenceOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "count")
		groups := make([]WorkerGroup, n)
		for i := range groups {
			groups[i] = WorkerGroup{
				Name:        fmt.Sprintf("group-%02d", i),
				Role:        "worker",
				Command:     "worker-bin",
				Concurrency: rapid.IntRange(1, 8).Draw(t, fmt.Sprintf("conc%d", i)),
				StartOrder:  rapid.IntRange(1, 4).Draw(t, fmt.Sprintf("order%d", i)),
			}
		}

		reg, err := New(groups)
		if err != nil {
			t.Fatalf("unexpected validation error: %v", err)
		}

		seq := reg.StartSequence()
		for i := 1; i < len(seq); i++ {
			prev, cur := seq[i-1], seq[i]
			if prev.StartOrder > cur.StartOrder {
				t.Errorf("start order regressed: %s(%d) before %s(%d)",
					prev.Name, prev.StartOrder, cur.Name, cur.StartOrder)
			}
			if prev.StartOrder == cur.StartOrder && prev.Name > cur.Name {
				// Names encode declaration order here / 名称编码了声明顺序
				t.Errorf("declaration tie break violated: %s before %s", prev.Name, cur.Name)
			}
		}

		stop := reg.StopSequence()
		if len(stop) != len(seq) {
			t.Fatalf("stop sequence length %d != start %d", len(stop), len(seq))
		}
		for i := range seq {
			if seq[i].Name != stop[len(stop)-1-i].Name {
				t.Errorf("stop sequence is not the reverse of start at index %d", i)
			}
		}
	})
}

// For any group, its expanded arguments always form a matching prefix of a
// process launched with exactly those arguments, regardless of trailing noise.
// 对于任意组，其展开后的参数总能匹配以这些参数启动的进程，无论后面有多少杂项。
func TestProperty_MatchesOwnLaunch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := WorkerGroup{
			Name:        "g",
			Command:     rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "command"),
			Concurrency: rapid.IntRange(1, 16).Draw(t, "concurrency"),
		}
		argc := rapid.IntRange(0, 5).Draw(t, "argc")
		for i := 0; i < argc; i++ {
			g.Args = append(g.Args, rapid.StringMatching(`[a-z0-9-]{1,8}`).Draw(t, fmt.Sprintf("arg%d", i)))
		}

		argv := append([]string{g.Command}, g.LaunchArgs()...)
		extra := rapid.IntRange(0, 3).Draw(t, "extra")
		for i := 0; i < extra; i++ {
			argv = append(argv, rapid.StringMatching(`[a-z0-9]{1,6}`).Draw(t, fmt.Sprintf("extra%d", i)))
		}

		if !g.MatchesArgv(argv) {
			t.Errorf("group failed to match its own launch argv %v", argv)
		}
	})
}
