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

package poolIpc

import (
	"context"
	"fmt"
	"net"

	"github.com/nestybox/buddy-mgr/intf"
	"github.com/nestybox/buddy-mgr/poolMgr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a pool session held over a connection to the server. Negative result
// codes are converted back into the poolMgr errors (see poolMgr.CodeErr()).
type Client struct {
	conn *grpc.ClientConn
	id   string
}

func unixConnect(sockPath string) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", sockPath)
	}
}

// Dial connects to the server at sockPath and opens a session; name identifies the
// client in the server's logs.
func Dial(sockPath, name string) (*Client, error) {
	conn, err := grpc.NewClient("passthrough:///"+sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(unixConnect(sockPath)),
		grpc.WithAuthority("localhost"),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", sockPath, err)
	}

	c := &Client{conn: conn}

	reply := &SessionReply{}
	if err := c.call("Session", &SessionArgs{Client: name}, reply); err != nil {
		conn.Close()
		return nil, err
	}
	c.id = reply.ID

	return c, nil
}

func (c *Client) call(method string, args, reply interface{}) error {
	if err := c.conn.Invoke(context.Background(), fullMethod(method), args, reply); err != nil {
		return fmt.Errorf("grpc call %s failed: %v", method, err)
	}
	return nil
}

// code issues a call whose reply is a Reply and converts its code
func (c *Client) code(method string, args interface{}) (int64, error) {
	reply := &Reply{}
	if err := c.call(method, args, reply); err != nil {
		return 0, err
	}
	if err := poolMgr.CodeErr(reply.Code); err != nil {
		return 0, err
	}
	return reply.Code, nil
}

// ID returns the client's session id
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Allocate(size uint32) (int64, error) {
	return c.code("Allocate", &AllocArgs{Size: size})
}

func (c *Client) Free(ref int64) error {
	_, err := c.code("Free", &RefArgs{Ref: ref})
	return err
}

func (c *Client) SetWriteTarget(ref int64) error {
	_, err := c.code("SetWriteTarget", &RefArgs{Ref: ref})
	return err
}

func (c *Client) WriteBuffer(data []byte) (int, error) {
	n, err := c.code("WriteBuffer", &WriteArgs{Data: data})
	return int(n), err
}

func (c *Client) Write(ref int64, data []byte) (int, error) {
	n, err := c.code("Write", &WriteArgs{Ref: ref, Data: data})
	return int(n), err
}

func (c *Client) SetReadTarget(ref int64) error {
	_, err := c.code("SetReadTarget", &RefArgs{Ref: ref})
	return err
}

func (c *Client) ReadBuffer(maxLen int) ([]byte, error) {
	return c.read("ReadBuffer", &ReadArgs{MaxLen: maxLen})
}

func (c *Client) Read(ref int64, maxLen int) ([]byte, error) {
	return c.read("Read", &ReadArgs{Ref: ref, MaxLen: maxLen})
}

func (c *Client) read(method string, args *ReadArgs) ([]byte, error) {
	reply := &ReadReply{}
	if err := c.call(method, args, reply); err != nil {
		return nil, err
	}
	if err := poolMgr.CodeErr(reply.Code); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (c *Client) Stats() (intf.PoolStats, error) {
	reply := &StatsReply{}
	if err := c.call("Stats", &SessionArgs{}, reply); err != nil {
		return intf.PoolStats{}, err
	}
	return reply.Stats, nil
}

// Close ends the session
func (c *Client) Close() error {
	return c.conn.Close()
}
