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

package launcher

import (
	"strconv"

	"github.com/seatunnel/rankmon/internal/channel"
	"github.com/seatunnel/rankmon/internal/config"
)

// Environment passed to every worker.
// 传递给每个 worker 的环境变量。
const (
	EnvRank         = "RANK"
	EnvLocalRank    = "LOCAL_RANK"
	EnvWorldSize    = "WORLD_SIZE"
	EnvRestartCount = config.EnvPrefix + "_RESTART_COUNT"
	EnvMaxRestarts  = config.EnvPrefix + "_MAX_RESTARTS"
	EnvRunID        = config.EnvPrefix + "_RUN_ID"
	EnvConfigPath   = config.EnvPrefix + "_CONFIG_PATH"
)

// WorkerEnv returns the environment of one worker.
// WorkerEnv 返回单个 worker 的环境变量。
func WorkerEnv(rank, worldSize, restartCount, maxRestarts int, runID, configPath string, address channel.Address) map[string]string {
	return map[string]string{
		EnvRank:           strconv.Itoa(rank),
		EnvLocalRank:      strconv.Itoa(rank),
		EnvWorldSize:      strconv.Itoa(worldSize),
		EnvRestartCount:   strconv.Itoa(restartCount),
		EnvMaxRestarts:    strconv.Itoa(maxRestarts),
		EnvRunID:          runID,
		EnvConfigPath:     configPath,
		channel.EnvSocket: address.String(),
	}
}
