// SPDX-License-Identifier: Mulan PSL v2
/*
 * Copyright (c) 2024 Huawei Technologies Co., Ltd.
 * syscared is licensed under Mulan PSL v2.
 * You can use this software according to the terms and conditions of the Mulan PSL v2.
 * You may obtain a copy of Mulan PSL v2 at:
 *         http://license.coscl.org.cn/MulanPSL2
 *
 * THIS SOFTWARE IS PROVIDED ON AN "AS IS" BASIS, WITHOUT WARRANTIES OF ANY KIND,
 * EITHER EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO NON-INFRINGEMENT,
 * MERCHANTABILITY OR FIT FOR A PARTICULAR PURPOSE.
 * See the Mulan PSL v2 for more details.
 */

package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/core/patch/patcherr"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")
	s := NewServer(sock)

	s.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var m map[string]string
		if len(params) > 0 {
			_ = json.Unmarshal(params, &m)
		}
		return m, nil
	})
	s.Register("fail_not_found", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, patcherr.New(patcherr.KindNotFound, "patch %q not found", "demo")
	})
	s.Register("partial", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, &patcherr.Error{
			Kind:    patcherr.KindPartialFailure,
			Message: "some pids failed",
			Results: []patcherr.PidOutcome{
				{Pid: 1, Ok: true},
				{Pid: 2, Ok: false, Message: "boom"},
			},
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		os.Remove(sock)
	})
	// Give the accept loop a moment to start.
	time.Sleep(10 * time.Millisecond)
	return s, sock
}

func TestServerEchoRoundTrip(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	var out map[string]string
	err = c.Call("echo", map[string]string{"hello": "world"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "world", out["hello"])
}

func TestServerUnknownMethodRejected(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("does_not_exist", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, patcherr.KindNotFound.String(), rpcErr.Kind())
}

func TestServerDrainRejectsNewCalls(t *testing.T) {
	s, sock := startTestServer(t)
	s.Drain()

	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("echo", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, patcherr.KindUnavailable.String(), rpcErr.Kind())
}

func TestServerPartialFailureCarriesCauses(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("partial", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, patcherr.KindPartialFailure.String(), rpcErr.Kind())
	require.Len(t, rpcErr.Causes(), 1)
	assert.Contains(t, rpcErr.Causes()[0], "pid 2")
}

func TestServerNotFoundErrorKind(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("fail_not_found", nil, nil)
	require.Error(t, err)
	rpcErr, ok := err.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, patcherr.KindNotFound.String(), rpcErr.Kind())
	assert.Contains(t, rpcErr.Error(), "demo")
}

func TestServerConcurrentCallsAreBoundedBySemaphore(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "sem.sock")
	s := NewServer(sock)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	s.Register("slow", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Listen())
	go s.Serve(ctx)
	t.Cleanup(cancel)
	time.Sleep(10 * time.Millisecond)

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			c, err := Dial(sock)
			if err != nil {
				return
			}
			defer c.Close()
			_ = c.Call("slow", nil, nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, MaxConcurrentCalls)
}
