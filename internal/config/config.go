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

// Package config provides configuration management for rankmon.
// config 包提供 rankmon 的配置管理功能。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables (RANKMON_*) / 环境变量
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/seatunnel/rankmon/internal/dispatch"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values
// 默认配置值
const (
	DefaultInitialRankHeartbeatTimeout = 60 * time.Minute
	DefaultRankHeartbeatTimeout        = 45 * time.Minute
	DefaultRankTerminationSignal       = "SIGKILL"
	DefaultRankTerminationTarget       = TargetProcess
	DefaultTerminationExitCode         = 123
	DefaultHeartbeatFraction           = 0.3
	DefaultSendTimeout                 = time.Second
	DefaultRearmPolicy                 = RearmCarryOver
	DefaultShutdownTimeout             = 5 * time.Second
	DefaultWorkloadCheckInterval       = 5 * time.Second
	DefaultNProcPerNode                = 1
	DefaultMaxRestarts                 = 0
	DefaultRestartWindow               = 10 * time.Minute
	DefaultRestartDelay                = time.Second
	DefaultTermTimeout                 = 30 * time.Second
	DefaultLogLevel                    = "info"
	DefaultLogMaxSize                  = 100 // MB
	DefaultLogMaxBackups               = 3
	DefaultLogMaxAge                   = 7 // days

	// EnvPrefix is the prefix of environment overrides.
	// EnvPrefix 是环境变量覆盖的前缀。
	EnvPrefix = "RANKMON"
)

// Termination targets / 终止目标
const (
	TargetProcess = "process"
	TargetGroup   = "group"
)

// Re-arm policies applied when a new connection supersedes an old one.
// 新连接取代旧连接时应用的重新计时策略。
const (
	RearmCarryOver = "carry_over"
	RearmSteady    = "steady"
	RearmInitial   = "initial"
)

// Config represents the rankmon configuration
// Config 表示 rankmon 配置
type Config struct {
	// Fault tolerance (heartbeat monitoring) configuration / 容错（心跳监控）配置
	FaultTolerance FaultToleranceConfig `mapstructure:"fault_tolerance"`

	// Monitor server configuration / 监控服务配置
	Server ServerConfig `mapstructure:"server"`

	// Launcher configuration / 启动器配置
	Launcher LauncherConfig `mapstructure:"launcher"`

	// Log configuration / 日志配置
	Log LogConfig `mapstructure:"log"`
}

// FaultToleranceConfig contains heartbeat and termination settings
// FaultToleranceConfig 包含心跳与终止设置
type FaultToleranceConfig struct {
	// InitialRankHeartbeatTimeout bounds the wait for the first heartbeat
	// InitialRankHeartbeatTimeout 是等待首个心跳的超时
	InitialRankHeartbeatTimeout time.Duration `mapstructure:"initial_rank_heartbeat_timeout"`

	// RankHeartbeatTimeout bounds the gap between two heartbeats
	// RankHeartbeatTimeout 是两次心跳之间的最大间隔
	RankHeartbeatTimeout time.Duration `mapstructure:"rank_heartbeat_timeout"`

	// RankTerminationSignal is the signal sent to an unresponsive rank (e.g. SIGKILL, SIGUSR1)
	// RankTerminationSignal 是发送给无响应 rank 的信号
	RankTerminationSignal string `mapstructure:"rank_termination_signal"`

	// RankTerminationTarget is "process" or "group"
	// RankTerminationTarget 为 "process" 或 "group"
	RankTerminationTarget string `mapstructure:"rank_termination_target"`

	// TerminationExitCode is the exit code of a worker terminated by the monitor
	// TerminationExitCode 是被监控终止的 worker 的退出码
	TerminationExitCode int `mapstructure:"termination_exit_code"`

	// HeartbeatFraction is the client period as a fraction of RankHeartbeatTimeout
	// HeartbeatFraction 是客户端心跳周期占 RankHeartbeatTimeout 的比例
	HeartbeatFraction float64 `mapstructure:"heartbeat_fraction"`

	// SendTimeout bounds a single heartbeat send
	// SendTimeout 限制单次心跳发送时间
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	// Reconnect configuration / 重连配置
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig contains reconnection settings
// ReconnectConfig 包含重连设置
type ReconnectConfig struct {
	// RearmPolicy is one of carry_over, steady, initial
	// RearmPolicy 取值 carry_over、steady、initial
	RearmPolicy string `mapstructure:"rearm_policy"`

	// AcceptLimit re-arms the deadline to the initial timeout when a reconnected
	// client sends nothing for this long. Zero disables it.
	// AcceptLimit：重连后在该时长内无心跳则按初始超时重新计时，0 表示关闭。
	AcceptLimit time.Duration `mapstructure:"accept_limit"`
}

// ServerConfig contains monitor server settings
// ServerConfig 包含监控服务设置
type ServerConfig struct {
	// ShutdownTimeout bounds Stop
	// ShutdownTimeout 限制停止耗时
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MetricsAddress is the TCP address for /metrics; empty disables it
	// MetricsAddress 是 /metrics 的 TCP 地址，为空则关闭
	MetricsAddress string `mapstructure:"metrics_address"`

	// SocketDir is where per-rank sockets are created; empty means os.TempDir()
	// SocketDir 是各 rank 套接字所在目录，为空则使用 os.TempDir()
	SocketDir string `mapstructure:"socket_dir"`
}

// LauncherConfig contains launcher settings
// LauncherConfig 包含启动器设置
type LauncherConfig struct {
	NProcPerNode          int           `mapstructure:"nproc_per_node"`
	MaxRestarts           int           `mapstructure:"max_restarts"`
	RestartWindow         time.Duration `mapstructure:"restart_window"`
	RestartDelay          time.Duration `mapstructure:"restart_delay"`
	TermTimeout           time.Duration `mapstructure:"term_timeout"`
	WorkloadCheckInterval time.Duration `mapstructure:"workload_check_interval"`
}

// LogConfig contains logging settings
// LogConfig 包含日志设置
type LogConfig struct {
	// Level is the log level (debug, info, warn, error)
	// Level 是日志级别（debug, info, warn, error）
	Level string `mapstructure:"level" yaml:"level"`

	// File is the log file path; empty writes to stderr
	// File 是日志文件路径，为空时输出到 stderr
	File string `mapstructure:"file" yaml:"file"`

	// MaxSize is the maximum size of log file in MB before rotation
	// MaxSize 是日志文件轮转前的最大大小（MB）
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`

	// MaxBackups is the maximum number of old log files to retain
	// MaxBackups 是保留的旧日志文件的最大数量
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`

	// MaxAge is the maximum number of days to retain old log files
	// MaxAge 是保留旧日志文件的最大天数
	MaxAge int `mapstructure:"max_age" yaml:"max_age"`
}

// Default returns a configuration populated with default values
// Default 返回填充默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// Load loads configuration from file and environment variables.
// A missing file is tolerated; defaults are used instead.
// Load 从文件和环境变量加载配置，文件不存在时使用默认值。
func Load(configPath string) (*Config, error) {
	return LoadWithPriority(configPath, nil)
}

// LoadWithPriority loads configuration with explicit priority handling
// LoadWithPriority 使用显式优先级处理加载配置
// Priority: cmdArgs > envVars > configFile > defaults
// 优先级：命令行参数 > 环境变量 > 配置文件 > 默认值
func LoadWithPriority(configPath string, cmdArgs map[string]interface{}) (*Config, error) {
	v := newViper()

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG_PATH")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				if _, statErr := os.Stat(configPath); statErr == nil {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	// Command line arguments win / 命令行参数优先
	for key, value := range cmdArgs {
		v.Set(key, value)
	}

	return unmarshal(v)
}

// LoadFromYAML loads configuration from YAML bytes
// LoadFromYAML 从 YAML 字节加载配置
func LoadFromYAML(yamlData []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(string(yamlData))); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("fault_tolerance.initial_rank_heartbeat_timeout", DefaultInitialRankHeartbeatTimeout)
	v.SetDefault("fault_tolerance.rank_heartbeat_timeout", DefaultRankHeartbeatTimeout)
	v.SetDefault("fault_tolerance.rank_termination_signal", DefaultRankTerminationSignal)
	v.SetDefault("fault_tolerance.rank_termination_target", DefaultRankTerminationTarget)
	v.SetDefault("fault_tolerance.termination_exit_code", DefaultTerminationExitCode)
	v.SetDefault("fault_tolerance.heartbeat_fraction", DefaultHeartbeatFraction)
	v.SetDefault("fault_tolerance.send_timeout", DefaultSendTimeout)
	v.SetDefault("fault_tolerance.reconnect.rearm_policy", DefaultRearmPolicy)
	v.SetDefault("fault_tolerance.reconnect.accept_limit", time.Duration(0))

	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("server.socket_dir", "")

	v.SetDefault("launcher.nproc_per_node", DefaultNProcPerNode)
	v.SetDefault("launcher.max_restarts", DefaultMaxRestarts)
	v.SetDefault("launcher.restart_window", DefaultRestartWindow)
	v.SetDefault("launcher.restart_delay", DefaultRestartDelay)
	v.SetDefault("launcher.term_timeout", DefaultTermTimeout)
	v.SetDefault("launcher.workload_check_interval", DefaultWorkloadCheckInterval)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	ft := c.FaultTolerance
	if ft.InitialRankHeartbeatTimeout <= 0 {
		return errors.New("fault_tolerance.initial_rank_heartbeat_timeout must be positive")
	}
	if ft.RankHeartbeatTimeout <= 0 {
		return errors.New("fault_tolerance.rank_heartbeat_timeout must be positive")
	}
	if strings.TrimSpace(ft.RankTerminationSignal) == "" {
		return errors.New("fault_tolerance.rank_termination_signal is required")
	}
	if _, err := dispatch.ParseSignal(ft.RankTerminationSignal); err != nil {
		return fmt.Errorf("invalid rank_termination_signal: %w", err)
	}
	switch ft.RankTerminationTarget {
	case TargetProcess, TargetGroup:
	default:
		return fmt.Errorf("invalid rank_termination_target: %s (must be process or group)", ft.RankTerminationTarget)
	}
	if ft.TerminationExitCode < 1 || ft.TerminationExitCode > 255 {
		return fmt.Errorf("invalid termination_exit_code: %d (must be 1-255)", ft.TerminationExitCode)
	}
	if ft.HeartbeatFraction <= 0 || ft.HeartbeatFraction >= 1 {
		return fmt.Errorf("invalid heartbeat_fraction: %v (must be in (0, 1))", ft.HeartbeatFraction)
	}
	if ft.SendTimeout <= 0 {
		return errors.New("fault_tolerance.send_timeout must be positive")
	}
	switch ft.Reconnect.RearmPolicy {
	case RearmCarryOver, RearmSteady, RearmInitial:
	default:
		return fmt.Errorf("invalid reconnect.rearm_policy: %s (must be carry_over, steady, or initial)", ft.Reconnect.RearmPolicy)
	}
	if ft.Reconnect.AcceptLimit < 0 {
		return errors.New("fault_tolerance.reconnect.accept_limit must not be negative")
	}

	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	if c.Launcher.NProcPerNode < 1 {
		return errors.New("launcher.nproc_per_node must be at least 1")
	}
	if c.Launcher.MaxRestarts < 0 {
		return errors.New("launcher.max_restarts must not be negative")
	}

	// Validate log level / 验证日志级别
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{InitialTimeout: %v, SteadyTimeout: %v, Signal: %s, Target: %s, RearmPolicy: %s, Log.Level: %s}",
		c.FaultTolerance.InitialRankHeartbeatTimeout,
		c.FaultTolerance.RankHeartbeatTimeout,
		c.FaultTolerance.RankTerminationSignal,
		c.FaultTolerance.RankTerminationTarget,
		c.FaultTolerance.Reconnect.RearmPolicy,
		c.Log.Level,
	)
}

// HeartbeatInterval is the client period derived from the steady timeout
// HeartbeatInterval 是由稳态超时推导出的客户端心跳周期
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(float64(c.FaultTolerance.RankHeartbeatTimeout) * c.FaultTolerance.HeartbeatFraction)
}

// yamlDocument mirrors Config with durations rendered as strings.
type yamlDocument struct {
	FaultTolerance struct {
		InitialRankHeartbeatTimeout string  `yaml:"initial_rank_heartbeat_timeout"`
		RankHeartbeatTimeout        string  `yaml:"rank_heartbeat_timeout"`
		RankTerminationSignal       string  `yaml:"rank_termination_signal"`
		RankTerminationTarget       string  `yaml:"rank_termination_target"`
		TerminationExitCode         int     `yaml:"termination_exit_code"`
		HeartbeatFraction           float64 `yaml:"heartbeat_fraction"`
		SendTimeout                 string  `yaml:"send_timeout"`
		Reconnect                   struct {
			RearmPolicy string `yaml:"rearm_policy"`
			AcceptLimit string `yaml:"accept_limit"`
		} `yaml:"reconnect"`
	} `yaml:"fault_tolerance"`
	Server struct {
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		MetricsAddress  string `yaml:"metrics_address"`
		SocketDir       string `yaml:"socket_dir"`
	} `yaml:"server"`
	Launcher struct {
		NProcPerNode          int    `yaml:"nproc_per_node"`
		MaxRestarts           int    `yaml:"max_restarts"`
		RestartWindow         string `yaml:"restart_window"`
		RestartDelay          string `yaml:"restart_delay"`
		TermTimeout           string `yaml:"term_timeout"`
		WorkloadCheckInterval string `yaml:"workload_check_interval"`
	} `yaml:"launcher"`
	Log LogConfig `yaml:"log"`
}

// ToYAML serializes the configuration to YAML format
// ToYAML 将配置序列化为 YAML 格式
func (c *Config) ToYAML() ([]byte, error) {
	var doc yamlDocument
	ft := &doc.FaultTolerance
	ft.InitialRankHeartbeatTimeout = c.FaultTolerance.InitialRankHeartbeatTimeout.String()
	ft.RankHeartbeatTimeout = c.FaultTolerance.RankHeartbeatTimeout.String()
	ft.RankTerminationSignal = c.FaultTolerance.RankTerminationSignal
	ft.RankTerminationTarget = c.FaultTolerance.RankTerminationTarget
	ft.TerminationExitCode = c.FaultTolerance.TerminationExitCode
	ft.HeartbeatFraction = c.FaultTolerance.HeartbeatFraction
	ft.SendTimeout = c.FaultTolerance.SendTimeout.String()
	ft.Reconnect.RearmPolicy = c.FaultTolerance.Reconnect.RearmPolicy
	ft.Reconnect.AcceptLimit = c.FaultTolerance.Reconnect.AcceptLimit.String()

	doc.Server.ShutdownTimeout = c.Server.ShutdownTimeout.String()
	doc.Server.MetricsAddress = c.Server.MetricsAddress
	doc.Server.SocketDir = c.Server.SocketDir

	doc.Launcher.NProcPerNode = c.Launcher.NProcPerNode
	doc.Launcher.MaxRestarts = c.Launcher.MaxRestarts
	doc.Launcher.RestartWindow = c.Launcher.RestartWindow.String()
	doc.Launcher.RestartDelay = c.Launcher.RestartDelay.String()
	doc.Launcher.TermTimeout = c.Launcher.TermTimeout.String()
	doc.Launcher.WorkloadCheckInterval = c.Launcher.WorkloadCheckInterval.String()

	doc.Log = c.Log

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Equal compares two configs for equality
// Equal 比较两个配置是否相等
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return *c == *other
}
