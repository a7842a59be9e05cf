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

// Package registry provides the declarative worker group registry for Warden.
// registry 包提供 Warden 的声明式工作组注册表。
//
// A registry is loaded once at startup, validated, and immutable thereafter.
// 注册表在启动时加载一次，经过验证后不可变。
package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrConfigInvalid indicates the registry violates a declared invariant.
// It is fatal at load time: nothing is started from an invalid registry.
// ErrConfigInvalid 表示注册表违反了声明的不变量。加载时致命：无效注册表不启动任何进程。
var ErrConfigInvalid = errors.New("worker group registry is invalid")

// ConcurrencyPlaceholder is replaced in argument lists by the group's
// declared concurrency at launch time (e.g. "celery worker -c {concurrency}").
// ConcurrencyPlaceholder 在启动时被组声明的并发度替换（如 "celery worker -c {concurrency}"）。
const ConcurrencyPlaceholder = "{concurrency}"

// WorkerGroup declares a named, independently supervised set of identical
// worker processes consuming a specific task queue.
// WorkerGroup 声明一个命名的、独立监督的同类工作进程组，消费特定任务队列。
type WorkerGroup struct {
	// Name uniquely identifies the group (e.g. "inference-server", "ocr-worker")
	// Name 唯一标识该组（如 "inference-server"、"ocr-worker"）
	Name string `yaml:"name" mapstructure:"name"`

	// Role is the tag used for per-tag RSS aggregation in memory reports
	// Role 是内存报告中按标签聚合 RSS 所用的标签
	Role string `yaml:"role" mapstructure:"role"`

	// Command is the executable to launch
	// Command 是要启动的可执行文件
	Command string `yaml:"command" mapstructure:"command"`

	// Args are the command arguments; ConcurrencyPlaceholder is expanded
	// Args 是命令参数；ConcurrencyPlaceholder 会被展开
	Args []string `yaml:"args" mapstructure:"args"`

	// Concurrency is the requested parallelism, passed through to the worker
	// launch configuration. Warden does not schedule tasks itself.
	// Concurrency 是请求的并行度，透传给工作进程的启动配置。Warden 自身不调度任务。
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`

	// StartOrder groups launch in ascending order; ties break by declaration order
	// StartOrder 按升序启动；相同时按声明顺序
	StartOrder int `yaml:"start_order" mapstructure:"start_order"`

	// DependsOn optionally names another group that must be ready first
	// DependsOn 可选地指定必须先就绪的另一个组
	DependsOn string `yaml:"depends_on" mapstructure:"depends_on"`

	// Port is the TCP port the group binds, if any. Used for readiness
	// probing and for port release during Reset. Zero means none.
	// Port 是该组绑定的 TCP 端口（如有）。用于就绪探测和 Reset 时的端口释放。0 表示无。
	Port int `yaml:"port" mapstructure:"port"`

	// Environment variables to set for the launched processes
	// 为启动的进程设置的环境变量
	Environment map[string]string `yaml:"environment" mapstructure:"environment"`

	// declIndex is the position in the declaration list, used for tie breaks
	// declIndex 是声明列表中的位置，用于排序时打破平局
	declIndex int
}

// LaunchArgs returns the argument list with the concurrency placeholder expanded.
// LaunchArgs 返回展开并发度占位符后的参数列表。
func (g *WorkerGroup) LaunchArgs() []string {
	if len(g.Args) == 0 {
		return nil
	}
	args := make([]string, len(g.Args))
	for i, a := range g.Args {
		args[i] = strings.ReplaceAll(a, ConcurrencyPlaceholder, strconv.Itoa(g.Concurrency))
	}
	return args
}

// CommandLine returns the full command line as the OS will see it.
// Used for exact matching against live process metadata.
// CommandLine 返回操作系统将看到的完整命令行。用于与存活进程元数据精确匹配。
func (g *WorkerGroup) CommandLine() string {
	return strings.TrimSpace(g.Command + " " + strings.Join(g.LaunchArgs(), " "))
}

// MatchesArgv reports whether a live process argument vector belongs to this
// group: the executable basename must equal the group command's basename and
// the group's expanded arguments must be an exact prefix of the process
// arguments. Exact matching, not substring filtering.
// MatchesArgv 判断存活进程的参数向量是否属于该组：可执行文件基名必须等于组
// 命令的基名，且组展开后的参数必须是进程参数的精确前缀。精确匹配，不做子串过滤。
func (g *WorkerGroup) MatchesArgv(argv []string) bool {
	if len(argv) == 0 || filepath.Base(argv[0]) != filepath.Base(g.Command) {
		return false
	}
	want := g.LaunchArgs()
	if len(argv)-1 < len(want) {
		return false
	}
	for i, w := range want {
		if argv[i+1] != w {
			return false
		}
	}
	return true
}

// Registry is the validated, immutable set of worker groups.
// Registry 是经过验证的、不可变的工作组集合。
type Registry struct {
	groups []*WorkerGroup
	byName map[string]*WorkerGroup
}

// New builds and validates a registry from declared groups.
// Returns an error wrapping ErrConfigInvalid if any invariant is violated:
// duplicate names, concurrency < 1, unknown or cyclic dependencies.
// New 从声明的组构建并验证注册表。违反任一不变量（重名、并发度 < 1、
// 未知或循环依赖）时返回包装 ErrConfigInvalid 的错误。
func New(declared []WorkerGroup) (*Registry, error) {
	if len(declared) == 0 {
		return nil, fmt.Errorf("%w: no worker groups declared", ErrConfigInvalid)
	}

	r := &Registry{
		groups: make([]*WorkerGroup, 0, len(declared)),
		byName: make(map[string]*WorkerGroup, len(declared)),
	}

	for i := range declared {
		g := declared[i] // copy, caller keeps its slice / 复制，调用方保留其切片
		g.declIndex = i

		if g.Name == "" {
			return nil, fmt.Errorf("%w: group at index %d has no name", ErrConfigInvalid, i)
		}
		if g.Command == "" {
			return nil, fmt.Errorf("%w: group %q has no command", ErrConfigInvalid, g.Name)
		}
		if g.Concurrency < 1 {
			return nil, fmt.Errorf("%w: group %q concurrency must be >= 1, got %d",
				ErrConfigInvalid, g.Name, g.Concurrency)
		}
		if _, dup := r.byName[g.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate group name %q", ErrConfigInvalid, g.Name)
		}

		r.byName[g.Name] = &g
		r.groups = append(r.groups, &g)
	}

	// Dependency references must resolve and must not form a cycle
	// 依赖引用必须可解析且不能成环
	for _, g := range r.groups {
		if g.DependsOn == "" {
			continue
		}
		if g.DependsOn == g.Name {
			return nil, fmt.Errorf("%w: group %q depends on itself", ErrConfigInvalid, g.Name)
		}
		if _, ok := r.byName[g.DependsOn]; !ok {
			return nil, fmt.Errorf("%w: group %q depends on unknown group %q",
				ErrConfigInvalid, g.Name, g.DependsOn)
		}
	}
	if cycle := r.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: dependency cycle: %s",
			ErrConfigInvalid, strings.Join(cycle, " -> "))
	}

	return r, nil
}

// findCycle walks each single-parent dependency chain looking for a loop.
// findCycle 沿每条单父依赖链查找环。
func (r *Registry) findCycle() []string {
	for _, start := range r.groups {
		seen := map[string]bool{start.Name: true}
		path := []string{start.Name}
		cur := start
		for cur.DependsOn != "" {
			next := r.byName[cur.DependsOn]
			path = append(path, next.Name)
			if seen[next.Name] {
				return path
			}
			seen[next.Name] = true
			cur = next
		}
	}
	return nil
}

// Get returns the group with the given name.
func (r *Registry) Get(name string) (*WorkerGroup, bool) {
	g, ok := r.byName[name]
	return g, ok
}

// Len returns the number of declared groups.
func (r *Registry) Len() int {
	return len(r.groups)
}

// StartSequence returns groups in launch order: ascending StartOrder,
// declaration order on ties. Dependencies are resolved by the supervisor
// at launch time; the sequence only fixes the scan order.
// StartSequence 按启动顺序返回各组：StartOrder 升序，相同时按声明顺序。
// 依赖由监督器在启动时解析；该序列只固定扫描顺序。
func (r *Registry) StartSequence() []*WorkerGroup {
	seq := make([]*WorkerGroup, len(r.groups))
	copy(seq, r.groups)
	sort.SliceStable(seq, func(i, j int) bool {
		if seq[i].StartOrder != seq[j].StartOrder {
			return seq[i].StartOrder < seq[j].StartOrder
		}
		return seq[i].declIndex < seq[j].declIndex
	})
	return seq
}

// StopSequence returns groups in reverse launch order.
// StopSequence 按启动顺序的逆序返回各组。
func (r *Registry) StopSequence() []*WorkerGroup {
	seq := r.StartSequence()
	for i, j := 0, len(seq)-1; i < j; i, j = i+1, j-1 {
		seq[i], seq[j] = seq[j], seq[i]
	}
	return seq
}

// OrderRanks returns the start sequence grouped by equal StartOrder.
// Groups within a rank may launch concurrently where no dependency forbids it.
// OrderRanks 返回按相同 StartOrder 分组的启动序列。同一级内无依赖约束的组可以并发启动。
func (r *Registry) OrderRanks() [][]*WorkerGroup {
	seq := r.StartSequence()
	var ranks [][]*WorkerGroup
	for _, g := range seq {
		if n := len(ranks); n > 0 && ranks[n-1][0].StartOrder == g.StartOrder {
			ranks[n-1] = append(ranks[n-1], g)
			continue
		}
		ranks = append(ranks, []*WorkerGroup{g})
	}
	return ranks
}

// Roles returns the distinct role tags in declaration order.
// Roles 按声明顺序返回去重后的角色标签。
func (r *Registry) Roles() []string {
	var roles []string
	seen := map[string]bool{}
	for _, g := range r.groups {
		if g.Role == "" || seen[g.Role] {
			continue
		}
		seen[g.Role] = true
		roles = append(roles, g.Role)
	}
	return roles
}

// Groups returns the declared groups in declaration order.
func (r *Registry) Groups() []*WorkerGroup {
	out := make([]*WorkerGroup, len(r.groups))
	copy(out, r.groups)
	return out
}
