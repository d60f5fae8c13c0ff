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

package config

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// **Feature: rank-monitor, Property 1: Config YAML Round-Trip**
//
// Property: For any valid configuration, serializing to YAML and parsing
// back SHALL produce an equivalent configuration.
// 属性：对于任何有效配置，序列化为 YAML 并解析回来应该产生等效的配置。
func TestProperty_ConfigYAMLRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := generateValidConfig(t)
		if err := cfg.Validate(); err != nil {
			t.Fatalf("generated config is invalid: %v", err)
		}

		yamlData, err := cfg.ToYAML()
		if err != nil {
			t.Fatalf("Failed to serialize config to YAML: %v", err)
		}

		parsedCfg, err := LoadFromYAML(yamlData)
		if err != nil {
			t.Fatalf("Failed to parse config from YAML: %v\nYAML content:\n%s", err, string(yamlData))
		}

		if !cfg.Equal(parsedCfg) {
			t.Fatalf("Round-trip failed\nOriginal: %+v\nParsed: %+v\nYAML:\n%s", cfg, parsedCfg, string(yamlData))
		}
	})
}

// generateValidConfig generates a valid Config for property testing
// generateValidConfig 为属性测试生成有效的 Config
func generateValidConfig(t *rapid.T) *Config {
	millis := func(label string, lo, hi int) time.Duration {
		return time.Duration(rapid.IntRange(lo, hi).Draw(t, label)) * time.Millisecond
	}

	cfg := &Config{}
	ft := &cfg.FaultTolerance
	ft.InitialRankHeartbeatTimeout = millis("initial", 1, 3_600_000)
	ft.RankHeartbeatTimeout = millis("steady", 1, 3_600_000)
	ft.RankTerminationSignal = rapid.SampledFrom([]string{"SIGKILL", "SIGTERM", "SIGUSR1", "USR2", "9"}).Draw(t, "signal")
	ft.RankTerminationTarget = rapid.SampledFrom([]string{TargetProcess, TargetGroup}).Draw(t, "target")
	ft.TerminationExitCode = rapid.IntRange(1, 255).Draw(t, "exitCode")
	ft.HeartbeatFraction = float64(rapid.IntRange(1, 99).Draw(t, "fractionPercent")) / 100
	ft.SendTimeout = millis("sendTimeout", 1, 60_000)
	ft.Reconnect.RearmPolicy = rapid.SampledFrom([]string{RearmCarryOver, RearmSteady, RearmInitial}).Draw(t, "rearm")
	ft.Reconnect.AcceptLimit = millis("acceptLimit", 0, 60_000)

	cfg.Server.ShutdownTimeout = millis("shutdown", 1, 60_000)
	if rapid.Bool().Draw(t, "metrics") {
		cfg.Server.MetricsAddress = "127.0.0.1:" + rapid.StringMatching(`[1-9][0-9]{3}`).Draw(t, "port")
	}
	cfg.Server.SocketDir = rapid.SampledFrom([]string{"", "/tmp", "/run/rankmon"}).Draw(t, "socketDir")

	cfg.Launcher.NProcPerNode = rapid.IntRange(1, 64).Draw(t, "nproc")
	cfg.Launcher.MaxRestarts = rapid.IntRange(0, 10).Draw(t, "maxRestarts")
	cfg.Launcher.RestartWindow = millis("window", 0, 3_600_000)
	cfg.Launcher.RestartDelay = millis("delay", 0, 10_000)
	cfg.Launcher.TermTimeout = millis("termTimeout", 0, 60_000)
	cfg.Launcher.WorkloadCheckInterval = millis("checkInterval", 1, 60_000)

	cfg.Log = LogConfig{
		Level:      rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(t, "logLevel"),
		File:       rapid.SampledFrom([]string{"", "/var/log/rankmon.log"}).Draw(t, "logFile"),
		MaxSize:    rapid.IntRange(1, 1000).Draw(t, "maxSize"),
		MaxBackups: rapid.IntRange(1, 100).Draw(t, "maxBackups"),
		MaxAge:     rapid.IntRange(1, 365).Draw(t, "maxAge"),
	}
	return cfg
}
