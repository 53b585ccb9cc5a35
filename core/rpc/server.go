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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/syscare/syscared/core/patch/patcherr"
)

// MaxConcurrentCalls bounds the number of in-flight RPC calls the server
// will execute at once (spec §5's "bounded goroutine pool").
const MaxConcurrentCalls = 32

// Handler answers one JSON-RPC method call. params is the raw "params"
// member of the request; the returned value is marshalled into the
// response's "result" member.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server is the JSON-RPC 2.0 listener over a Unix domain socket that the
// host daemon exposes to the operator CLI (spec §4.7).
type Server struct {
	SocketPath string

	mu       sync.RWMutex
	handlers map[string]Handler
	sem      *semaphore.Weighted
	draining atomic.Bool

	listener net.Listener
}

// NewServer constructs a Server bound to socketPath; call Register for
// every method before Serve.
func NewServer(socketPath string) *Server {
	return &Server{
		SocketPath: socketPath,
		handlers:   make(map[string]Handler),
		sem:        semaphore.NewWeighted(MaxConcurrentCalls),
	}
}

// Register binds name to h. Call before Serve; not safe to call concurrently
// with Serve.
func (s *Server) Register(name string, h Handler) {
	s.handlers[name] = h
}

// Drain flips the server into Unavailable-for-new-calls mode. The daemon
// calls this on SIGTERM/SIGINT before waiting for the current transaction
// to finish and releasing the Kernel Module Guard (spec §5).
func (s *Server) Drain() { s.draining.Store(true) }

// Listen binds the Unix domain socket at 0600, owned by the invoking user
// (expected to be root), removing any stale socket file left by an
// unclean previous shutdown.
func (s *Server) Listen() error {
	_ = os.Remove(s.SocketPath)
	l, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod %s: %w", s.SocketPath, err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or Listen's listener is
// closed. Each connection is handled on its own goroutine and may carry
// more than one sequential JSON-RPC request; each request is gated by sem.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.listener.Close()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uid, err := peerUID(conn)
	if err != nil {
		log.G(ctx).WithError(err).Warn("rpc: failed to read peer credentials, rejecting connection")
		return
	}
	if uid != 0 {
		log.G(ctx).WithField("uid", uid).Warn("rpc: rejecting non-root caller")
		s.writeError(conn, nil, patcherr.New(patcherr.KindPermissionDenied, "caller uid %d is not root", uid))
		return
	}

	dec := json.NewDecoder(bufio.NewReader(conn))
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return // EOF or malformed stream: close the connection.
		}
		s.handleRequest(ctx, conn, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req Request) {
	if s.draining.Load() {
		s.writeError(conn, req.ID, patcherr.New(patcherr.KindUnavailable, "daemon is shutting down"))
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(conn, req.ID, patcherr.New(patcherr.KindNotFound, "unknown method %q", req.Method))
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.writeError(conn, req.ID, patcherr.New(patcherr.KindUnavailable, "daemon is shutting down"))
		return
	}
	defer s.sem.Release(1)

	result, err := h(ctx, req.Params)
	if err != nil {
		s.writeError(conn, req.ID, err)
		return
	}
	s.writeResult(conn, req.ID, result)
}

func (s *Server) writeResult(conn net.Conn, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(conn, id, patcherr.Wrap(patcherr.KindDriverFailure, err, "marshal result"))
		return
	}
	resp := Response{JSONRPC: jsonrpcVersion, Result: raw, ID: id}
	s.writeResponse(conn, resp)
}

func (s *Server) writeError(conn net.Conn, id interface{}, err error) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id, Error: toRPCError(err)}
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		log.L.WithError(err).Warn("rpc: failed to write response")
	}
}

// toRPCError flattens a patcherr.Error (or any other error) into the
// JSON-RPC error object spec §6 fixes: Code always HandlerErrorCode,
// Message one line, Data carrying the taxonomy Kind and any causes.
func toRPCError(err error) *Error {
	var pe *patcherr.Error
	if !errors.As(err, &pe) {
		return &Error{Code: HandlerErrorCode, Message: err.Error(), Data: &ErrorData{Kind: patcherr.KindDriverFailure.String()}}
	}

	data := &ErrorData{Kind: pe.Kind.String()}
	if outcomes, ok := patcherr.AsPartialFailure(err); ok {
		for _, o := range outcomes {
			if o.Ok {
				continue
			}
			data.Causes = append(data.Causes, fmt.Sprintf("pid %d: %s", o.Pid, o.Message))
		}
	} else if pe.Cause != nil {
		data.Causes = append(data.Causes, pe.Cause.Error())
	}
	return &Error{Code: HandlerErrorCode, Message: pe.Error(), Data: data}
}

// peerUID reads SO_PEERCRED off a Unix domain socket connection to
// authenticate the caller (spec §4.7: "root-only"). Any failure to read
// credentials is treated as a rejection, never a silent allow.
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return cred.Uid, nil
}
