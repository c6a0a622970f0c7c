//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package poolIpc exposes the pool manager to other processes as a grpc service on
// a unix socket.
//
// Each client connection gets its own pool session (and thus its own write / read
// targets); the session is created when the connection is accepted and ends when
// the connection is closed.

package poolIpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/nestybox/buddy-mgr/intf"
	"github.com/nestybox/buddy-mgr/poolMgr"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"
)

// Server serves pool requests on a unix socket
type Server struct {
	pool       intf.PoolMgr
	addr       string
	grpcServer *grpc.Server
	sessions   mapset.Set // ids of open sessions
}

func NewServer(pool intf.PoolMgr, sockPath string) *Server {
	s := &Server{
		pool:     pool,
		addr:     sockPath,
		sessions: mapset.NewSet(),
	}

	s.grpcServer = grpc.NewServer(
		grpc.StatsHandler(&connTracker{srv: s}),
		grpc.UnaryInterceptor(logCall),
	)
	s.grpcServer.RegisterService(&poolServiceDesc, &poolService{pool: pool})

	return s
}

func (s *Server) GetAddr() string {
	return s.addr
}

// Init listens for client connections; it returns when the server is stopped.
func (s *Server) Init() error {

	// remove stale socket from a prior run
	if err := os.Remove(s.addr); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket %s: %v", s.addr, err)
	}

	listener, err := net.Listen("unix", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.addr, err)
	}

	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve on %s: %v", s.addr, err)
	}

	return nil
}

// Sessions returns the ids of the currently open sessions
func (s *Server) Sessions() []string {
	ids := []string{}
	for _, id := range s.sessions.ToSlice() {
		ids = append(ids, id.(string))
	}
	sort.Strings(ids)
	return ids
}

// Stop closes the listener and all client connections.
func (s *Server) Stop() {
	s.grpcServer.Stop()
	os.Remove(s.addr)
}

type sessionKey struct{}

// connTracker creates a pool session per client connection and stores it in the
// connection's context, from which all requests on that connection derive.
type connTracker struct {
	srv *Server
}

func (c *connTracker) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	sess := poolMgr.NewSession(c.srv.pool)
	c.srv.sessions.Add(sess.ID().String())
	return context.WithValue(ctx, sessionKey{}, sess)
}

func (c *connTracker) HandleConn(ctx context.Context, cs stats.ConnStats) {
	sess, ok := ctx.Value(sessionKey{}).(*poolMgr.Session)
	if !ok {
		return
	}

	switch cs.(type) {
	case *stats.ConnBegin:
		logrus.Debugf("session %s: client connected", sess.ID())
	case *stats.ConnEnd:
		c.srv.sessions.Remove(sess.ID().String())
		logrus.Debugf("session %s: client disconnected", sess.ID())
	}
}

func (c *connTracker) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (c *connTracker) HandleRPC(context.Context, stats.RPCStats) {}

func sessionFrom(ctx context.Context) (*poolMgr.Session, error) {
	sess, ok := ctx.Value(sessionKey{}).(*poolMgr.Session)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "no pool session for this connection")
	}
	return sess, nil
}

func logCall(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		logrus.Debugf("%s failed: %v", info.FullMethod, err)
	}
	return resp, err
}

type poolServer interface {
	Session(context.Context, *SessionArgs) (*SessionReply, error)
	Allocate(context.Context, *AllocArgs) (*Reply, error)
	Free(context.Context, *RefArgs) (*Reply, error)
	SetWriteTarget(context.Context, *RefArgs) (*Reply, error)
	WriteBuffer(context.Context, *WriteArgs) (*Reply, error)
	Write(context.Context, *WriteArgs) (*Reply, error)
	SetReadTarget(context.Context, *RefArgs) (*Reply, error)
	ReadBuffer(context.Context, *ReadArgs) (*ReadReply, error)
	Read(context.Context, *ReadArgs) (*ReadReply, error)
	Stats(context.Context, *SessionArgs) (*StatsReply, error)
}

var poolServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*poolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Session", (*poolService).Session),
		unary("Allocate", (*poolService).Allocate),
		unary("Free", (*poolService).Free),
		unary("SetWriteTarget", (*poolService).SetWriteTarget),
		unary("WriteBuffer", (*poolService).WriteBuffer),
		unary("Write", (*poolService).Write),
		unary("SetReadTarget", (*poolService).SetReadTarget),
		unary("ReadBuffer", (*poolService).ReadBuffer),
		unary("Read", (*poolService).Read),
		unary("Stats", (*poolService).Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "poolIpc",
}

// unary builds the grpc method descriptor for a poolService method
func unary[Req, Rep any](method string, fn func(*poolService, context.Context, *Req) (*Rep, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			p := srv.(*poolService)
			if interceptor == nil {
				return fn(p, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(p, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// poolService implements the pool methods on top of the caller's session
type poolService struct {
	pool intf.PoolMgr
}

func (p *poolService) Session(ctx context.Context, args *SessionArgs) (*SessionReply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("session %s: client %q", sess.ID(), args.Client)
	return &SessionReply{ID: sess.ID().String()}, nil
}

func (p *poolService) Allocate(ctx context.Context, args *AllocArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: sess.Allocate(args.Size)}, nil
}

func (p *poolService) Free(ctx context.Context, args *RefArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: int64(sess.Free(args.Ref))}, nil
}

func (p *poolService) SetWriteTarget(ctx context.Context, args *RefArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: sess.SetWriteTarget(args.Ref)}, nil
}

func (p *poolService) WriteBuffer(ctx context.Context, args *WriteArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: sess.WriteBuffer(args.Data)}, nil
}

func (p *poolService) Write(ctx context.Context, args *WriteArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: sess.Write(args.Ref, args.Data)}, nil
}

func (p *poolService) SetReadTarget(ctx context.Context, args *RefArgs) (*Reply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return &Reply{Code: sess.SetReadTarget(args.Ref)}, nil
}

func (p *poolService) ReadBuffer(ctx context.Context, args *ReadArgs) (*ReadReply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	reply := &ReadReply{}
	reply.Data, reply.Code = sess.ReadBuffer(args.MaxLen)
	return reply, nil
}

func (p *poolService) Read(ctx context.Context, args *ReadArgs) (*ReadReply, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	reply := &ReadReply{}
	reply.Data, reply.Code = sess.Read(args.Ref, args.MaxLen)
	return reply, nil
}

func (p *poolService) Stats(ctx context.Context, args *SessionArgs) (*StatsReply, error) {
	return &StatsReply{Stats: p.pool.Stats()}, nil
}
