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
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Client is a minimal JSON-RPC 2.0 client over a Unix domain socket, used
// by the operator CLI to talk to the daemon (spec §4.7). One Client holds
// one connection; it is not safe for concurrent use from multiple
// goroutines because it is not expected to need to be.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int64
}

// Dial connects to the daemon's RPC socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call invokes method with params marshalled to JSON, and unmarshals the
// result into out (which may be nil to discard it). A non-nil RPCError is
// returned verbatim so callers can inspect Kind for exit-code mapping.
func (c *Client) Call(method string, params interface{}, out interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}

	req := Request{JSONRPC: jsonrpcVersion, Method: method, Params: raw, ID: id}
	enc := json.NewEncoder(c.conn)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(c.reader)
	if err := dec.Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return &RPCError{Err: *resp.Error}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// RPCError wraps the wire Error object so CLI commands can branch on Kind
// without reaching into the JSON-RPC envelope directly.
type RPCError struct {
	Err Error
}

func (e *RPCError) Error() string { return e.Err.Message }

// Kind returns the patcherr taxonomy label the server attached, or ""
// if the server did not (a malformed or third-party peer).
func (e *RPCError) Kind() string {
	if e.Err.Data == nil {
		return ""
	}
	return e.Err.Data.Kind
}

// Causes returns any nested failure detail the server attached (e.g. a
// partial-failure patch's per-pid messages, or a rollback failure list).
func (e *RPCError) Causes() []string {
	if e.Err.Data == nil {
		return nil
	}
	return e.Err.Data.Causes
}
