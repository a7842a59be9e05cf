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

// Package config provides configuration management for the Warden daemon.
// config 包提供 Warden 守护进程的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables / 环境变量
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
//
// The worker group registry is part of the same configuration artifact:
// loaded once at startup, validated, immutable thereafter.
// 工作组注册表是同一配置产物的一部分：启动时加载一次，经验证后不可变。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docbatch/warden/internal/registry"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath      = "/etc/warden/config.yaml"
	DefaultLogLevel        = "info"
	DefaultLogFile         = "/var/log/warden/warden.log"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 3
	DefaultLogMaxAge       = 7 // days
	DefaultMonitorInterval = 5 * time.Second
	DefaultGraceTimeout    = 30 * time.Second
	DefaultSettleDelay     = 10 * time.Second
	DefaultReadyTimeout    = 60 * time.Second
	DefaultMaxRestarts     = 3
	DefaultRestartWindow   = 5 * time.Minute
	DefaultStateDir        = "/var/lib/warden"
)

// Config represents the Warden configuration
// Config 表示 Warden 配置
type Config struct {
	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log"`

	// Monitor configuration / 监控配置
	Monitor MonitorConfig `mapstructure:"monitor"`

	// Supervisor configuration / 监督器配置
	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	// Groups is the declarative worker group registry
	// Groups 是声明式工作组注册表
	Groups []registry.WorkerGroup `mapstructure:"groups"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level"`

	// File is the log file path; empty means stderr only
	// File 是日志文件路径；为空表示仅输出到标准错误
	File string `mapstructure:"file"`

	// MaxSize is the maximum size of log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age"`
}

// MonitorConfig contains memory-health monitor settings
// MonitorConfig 包含内存健康监控设置
type MonitorConfig struct {
	// Interval is the monitor tick interval
	// Interval 是监控周期间隔
	Interval time.Duration `mapstructure:"interval"`

	// ProcRoot is the procfs mount point, overridable for testing
	// ProcRoot 是 procfs 挂载点，可覆盖用于测试
	ProcRoot string `mapstructure:"proc_root"`

	// KernelLogPaths are checked in order when dmesg is unavailable
	// KernelLogPaths 在 dmesg 不可用时按顺序检查
	KernelLogPaths []string `mapstructure:"kernel_log_paths"`

	// ScanTimeout bounds every external read (memory stats, log scan)
	// ScanTimeout 限制每次外部读取（内存统计、日志扫描）的时长
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

// SupervisorConfig contains process lifecycle settings
// SupervisorConfig 包含进程生命周期设置
type SupervisorConfig struct {
	// GraceTimeout is how long to wait after SIGTERM before SIGKILL
	// GraceTimeout 是发送 SIGTERM 后等待多久再发送 SIGKILL
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`

	// SettleDelay is the fixed wait for dependencies with no readiness signal
	// SettleDelay 是对无就绪信号的依赖应用的固定等待
	SettleDelay time.Duration `mapstructure:"settle_delay"`

	// ReadyTimeout bounds how long a dependency's readiness probe may take
	// ReadyTimeout 限制依赖就绪探测的最长时间
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// MaxRestarts within RestartWindow before a group is marked DEGRADED
	// RestartWindow 内超过 MaxRestarts 次重启后组被标记为 DEGRADED
	MaxRestarts   int           `mapstructure:"max_restarts"`
	RestartWindow time.Duration `mapstructure:"restart_window"`

	// StateDir holds pid files and the registry snapshot
	// StateDir 保存 pid 文件和注册表快照
	StateDir string `mapstructure:"state_dir"`

	// LogDir is where launched worker output is captured; empty uses StateDir/logs
	// LogDir 是捕获工作进程输出的目录；为空则使用 StateDir/logs
	LogDir string `mapstructure:"log_dir"`
}

// WorkerLogDir resolves the directory for captured worker output.
// WorkerLogDir 解析捕获工作进程输出的目录。
func (c *SupervisorConfig) WorkerLogDir() string {
	if c.LogDir != "" {
		return c.LogDir
	}
	return filepath.Join(c.StateDir, "logs")
}

// DefaultGroups returns the fixed topology of the document processing stack:
// the vLLM inference server, the two celery queue consumers, and the beat
// scheduler. Used when the configuration file declares no groups.
// DefaultGroups 返回文档处理栈的固定拓扑：vLLM 推理服务、两个 celery 队列
// 消费者和 beat 调度器。配置文件未声明任何组时使用。
func DefaultGroups() []registry.WorkerGroup {
	return []registry.WorkerGroup{
		{
			Name:        "inference-server",
			Role:        "inference-server",
			Command:     "vllm",
			Args:        []string{"serve", "nanonets/Nanonets-OCR2-3B", "--host", "127.0.0.1", "--port", "8000"},
			Concurrency: 1,
			StartOrder:  1,
			Port:        8000,
		},
		{
			Name:        "ocr-worker",
			Role:        "task-worker",
			Command:     "celery",
			Args:        []string{"-A", "app.celery_app", "worker", "-Q", "celery", "-c", registry.ConcurrencyPlaceholder},
			Concurrency: 4,
			StartOrder:  2,
			DependsOn:   "inference-server",
		},
		{
			Name:        "gpt-worker",
			Role:        "task-worker",
			Command:     "celery",
			Args:        []string{"-A", "app.celery_app", "worker", "-Q", "gpt_queue", "-c", registry.ConcurrencyPlaceholder},
			Concurrency: 1,
			StartOrder:  2,
			DependsOn:   "inference-server",
		},
		{
			Name:        "beat-scheduler",
			Role:        "scheduler",
			Command:     "celery",
			Args:        []string{"-A", "app.celery_app", "beat"},
			Concurrency: 1,
			StartOrder:  3,
		},
	}
}

// Load loads configuration from file and environment variables
// Load 从文件和环境变量加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values / 设置默认值
	setDefaults(v)

	// Set config file path / 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Check environment variable / 检查环境变量
		envPath := os.Getenv("WARDEN_CONFIG_PATH")
		if envPath != "" {
			v.SetConfigFile(envPath)
		} else {
			v.SetConfigFile(DefaultConfigPath)
		}
	}

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file / 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error if we have defaults
		// 如果有默认值，配置文件未找到不是错误
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			// Check if file exists / 检查文件是否存在
			if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, use defaults / 文件不存在，使用默认值
		}
	}

	// Unmarshal config / 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Fall back to the fixed document processing topology
	// 回退到固定的文档处理拓扑
	if len(cfg.Groups) == 0 {
		cfg.Groups = DefaultGroups()
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Log defaults / 日志默认值
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	// Monitor defaults / 监控默认值
	v.SetDefault("monitor.interval", DefaultMonitorInterval)
	v.SetDefault("monitor.proc_root", "/proc")
	v.SetDefault("monitor.kernel_log_paths", []string{"/var/log/kern.log", "/var/log/messages"})
	v.SetDefault("monitor.scan_timeout", 3*time.Second)

	// Supervisor defaults / 监督器默认值
	v.SetDefault("supervisor.grace_timeout", DefaultGraceTimeout)
	v.SetDefault("supervisor.settle_delay", DefaultSettleDelay)
	v.SetDefault("supervisor.ready_timeout", DefaultReadyTimeout)
	v.SetDefault("supervisor.max_restarts", DefaultMaxRestarts)
	v.SetDefault("supervisor.restart_window", DefaultRestartWindow)
	v.SetDefault("supervisor.state_dir", DefaultStateDir)
}

// Validate validates the configuration. Registry invariant violations are
// fatal here: an invalid registry must prevent the system from starting.
// Validate 验证配置。注册表不变量违规在此致命：无效注册表必须阻止系统启动。
func (c *Config) Validate() error {
	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	// Validate monitor interval / 验证监控间隔
	if c.Monitor.Interval < time.Second {
		return errors.New("monitor.interval must be at least 1 second")
	}
	if c.Monitor.ScanTimeout <= 0 {
		return errors.New("monitor.scan_timeout must be positive")
	}

	// Validate supervisor timings / 验证监督器时间参数
	if c.Supervisor.GraceTimeout <= 0 {
		return errors.New("supervisor.grace_timeout must be positive")
	}
	if c.Supervisor.MaxRestarts < 1 {
		return errors.New("supervisor.max_restarts must be at least 1")
	}
	if c.Supervisor.RestartWindow <= 0 {
		return errors.New("supervisor.restart_window must be positive")
	}

	// Validate the worker group registry / 验证工作组注册表
	if _, err := registry.New(c.Groups); err != nil {
		return err
	}

	return nil
}

// Registry builds the validated worker group registry from the configuration.
// Registry 从配置构建经过验证的工作组注册表。
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Groups)
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Groups: %d, Monitor.Interval: %v, Supervisor.GraceTimeout: %v, Log.Level: %s}",
		len(c.Groups),
		c.Monitor.Interval,
		c.Supervisor.GraceTimeout,
		c.Log.Level,
	)
}
