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

package process

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "RANKMON_PROCESS_TEST_HELPER"

// TestMain turns the test binary into a helper process when helperEnv is set.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("HELPER_CODE"))
		fmt.Println("helper", os.Getenv("HELPER_GREETING"))
		os.Exit(code)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helper(t *testing.T, mode string, env map[string]string) Spec {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	env[helperEnv] = mode
	return Spec{Name: "helper-" + mode, Path: os.Args[0], Env: env}
}

func TestRunAndJoinExitCode(t *testing.T) {
	h, err := RunInSubprocess(helper(t, "exit", map[string]string{"HELPER_CODE": "123"}))
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	status, err := h.Join(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 123, status.Code)
	assert.False(t, status.Signaled())
	assert.False(t, status.Success())
	assert.Equal(t, "exit code 123", status.String())
	assert.True(t, h.Exited())
}

func TestJoinTimeout(t *testing.T) {
	h, err := RunInSubprocess(helper(t, "sleep", nil))
	require.NoError(t, err)
	defer h.Kill()

	_, err = h.Join(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.False(t, h.Exited())
}

func TestTerminateReportsSignal(t *testing.T) {
	h, err := RunInSubprocess(helper(t, "sleep", nil))
	require.NoError(t, err)

	require.NoError(t, h.Terminate())
	status, err := h.Join(10 * time.Second)
	require.NoError(t, err)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGTERM, status.Signal)
	assert.Equal(t, "signal: SIGTERM", status.String())

	assert.NoError(t, h.Terminate(), "signalling an exited process is a no-op")
}

// TestStopEscalatesToKill tests SIGTERM followed by SIGKILL
// TestStopEscalatesToKill 测试 SIGTERM 之后升级为 SIGKILL
func TestStopEscalatesToKill(t *testing.T) {
	spec := helper(t, "ignore-term", nil)
	spec.NewGroup = true
	h, err := RunInSubprocess(spec)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	status, err := h.Stop(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGKILL, status.Signal)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	pgid, err := syscall.Getpgid(os.Getpid())
	require.NoError(t, err)
	assert.NotEqual(t, h.PID(), pgid, "helper ran in its own group")
}

func TestLogFileCapturesOutput(t *testing.T) {
	spec := helper(t, "exit", map[string]string{"HELPER_GREETING": "rank-3"})
	spec.LogFile = filepath.Join(t.TempDir(), "logs", "worker.log")
	h, err := RunInSubprocess(spec)
	require.NoError(t, err)
	_, err = h.Join(10 * time.Second)
	require.NoError(t, err)

	data, err := os.ReadFile(spec.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "helper rank-3")
}

func TestStartFailure(t *testing.T) {
	_, err := RunInSubprocess(Spec{Name: "missing", Path: "/nonexistent/rankmon-worker"})
	assert.ErrorIs(t, err, ErrStartFailed)
	_, err = RunInSubprocess(Spec{Name: "empty"})
	assert.ErrorIs(t, err, ErrStartFailed)
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "PATH=/bin", "B=3", "C=4"}, got)
	assert.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}
