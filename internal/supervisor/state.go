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
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// stateFileName is the pid snapshot kept under StateDir. It exists so a
// later Reset can recognize workers left over from a previous daemon run.
// stateFileName 是保存在 StateDir 下的 pid 快照。它的存在使后续的 Reset
// 能识别上一个守护进程运行遗留的工作进程。
const stateFileName = "warden-state.yaml"

// stateSnapshot is the on-disk shape of the tracked process set.
// stateSnapshot 是被跟踪进程集合在磁盘上的形式。
type stateSnapshot struct {
	WrittenAt time.Time       `yaml:"written_at"`
	Workers   []ProcessHandle `yaml:"workers"`
}

// writeState atomically persists the current tracked processes. A snapshot
// with no workers is still written, so the file always reflects reality.
// writeState 原子地持久化当前被跟踪的进程。没有工作进程时也写入快照，
// 文件始终反映实际状态。
func (s *Supervisor) writeState() error {
	if s.opts.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.opts.StateDir, 0o755); err != nil {
		return err
	}

	snap := stateSnapshot{
		WrittenAt: time.Now(),
		Workers:   s.Handles(),
	}
	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].Group < snap.Workers[j].Group
	})

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return err
	}

	path := filepath.Join(s.opts.StateDir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readState loads the previous snapshot, if one exists.
// readState 加载上一个快照（若存在）。
func (s *Supervisor) readState() (*stateSnapshot, error) {
	if s.opts.StateDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.opts.StateDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap stateSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// clearState removes the pid snapshot. Missing file is fine.
// clearState 删除 pid 快照。文件不存在也没关系。
func (s *Supervisor) clearState() error {
	if s.opts.StateDir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.opts.StateDir, stateFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
