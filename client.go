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

package main

import (
	"fmt"
	"os"
	"strconv"

	units "github.com/docker/go-units"
	"github.com/nestybox/buddy-mgr/poolIpc"
	"github.com/urfave/cli"
)

// Client commands; each one opens its own session with a running daemon, so block
// references outlive the command that allocated them.
var clientCommands = []cli.Command{
	{
		Name:      "alloc",
		Usage:     "allocate a block from the pool and print its reference",
		ArgsUsage: "<size>",
		Action: func(ctx *cli.Context) error {
			size, err := uintArg(ctx, 0, 32)
			if err != nil {
				return err
			}
			return withClient(ctx, func(c *poolIpc.Client) error {
				ref, err := c.Allocate(uint32(size))
				if err != nil {
					return err
				}
				fmt.Println(ref)
				return nil
			})
		},
	},
	{
		Name:      "free",
		Usage:     "return a block to the pool",
		ArgsUsage: "<ref>",
		Action: func(ctx *cli.Context) error {
			ref, err := refArg(ctx, 0)
			if err != nil {
				return err
			}
			return withClient(ctx, func(c *poolIpc.Client) error {
				return c.Free(ref)
			})
		},
	},
	{
		Name:      "write",
		Usage:     "write a string into the pool at the given reference",
		ArgsUsage: "<ref> <data>",
		Action: func(ctx *cli.Context) error {
			ref, err := refArg(ctx, 0)
			if err != nil {
				return err
			}
			if ctx.NArg() < 2 {
				return fmt.Errorf("missing data argument")
			}
			data := ctx.Args().Get(1)
			return withClient(ctx, func(c *poolIpc.Client) error {
				n, err := c.Write(ref, []byte(data))
				if err != nil {
					return err
				}
				fmt.Printf("wrote %d bytes at %d\n", n, ref)
				return nil
			})
		},
	},
	{
		Name:      "read",
		Usage:     "read up to len bytes from the pool at the given reference",
		ArgsUsage: "<ref> <len>",
		Action: func(ctx *cli.Context) error {
			ref, err := refArg(ctx, 0)
			if err != nil {
				return err
			}
			maxLen, err := uintArg(ctx, 1, 31)
			if err != nil {
				return err
			}
			return withClient(ctx, func(c *poolIpc.Client) error {
				data, err := c.Read(ref, int(maxLen))
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", data)
				return nil
			})
		},
	},
	{
		Name:  "stats",
		Usage: "show pool usage",
		Action: func(ctx *cli.Context) error {
			return withClient(ctx, func(c *poolIpc.Client) error {
				st, err := c.Stats()
				if err != nil {
					return err
				}
				fmt.Printf("pool size:   %s (%d bytes)\n", units.BytesSize(float64(st.PoolSize)), st.PoolSize)
				fmt.Printf("buffer size: %d bytes\n", st.BuffSize)
				fmt.Printf("allocated:   %d bytes in %d block(s)\n", st.Allocated, st.Blocks)
				fmt.Printf("free:        %d bytes\n", st.Free)
				fmt.Printf("tree nodes:  %d\n", st.Nodes)
				return nil
			})
		},
	},
	{
		Name:  "demo",
		Usage: "allocate a block, write a greeting into it, read part of it back and free it",
		Action: func(ctx *cli.Context) error {
			return withClient(ctx, runDemo)
		},
	},
}

// runDemo drives the two-step (target, then transfer) protocol end to end
func runDemo(c *poolIpc.Client) error {

	ref, err := c.Allocate(100)
	if err != nil {
		return fmt.Errorf("allocate failed: %v", err)
	}
	fmt.Printf("allocated block at %d\n", ref)

	if err := c.SetWriteTarget(ref); err != nil {
		return fmt.Errorf("set write target failed: %v", err)
	}
	n, err := c.WriteBuffer([]byte("Hello buddy"))
	if err != nil {
		return fmt.Errorf("write failed: %v", err)
	}
	fmt.Printf("wrote %d bytes\n", n)

	if err := c.SetReadTarget(ref + 3); err != nil {
		return fmt.Errorf("set read target failed: %v", err)
	}
	data, err := c.ReadBuffer(10)
	if err != nil {
		return fmt.Errorf("read failed: %v", err)
	}
	fmt.Printf("read back: %s\n", data)

	if err := c.Free(ref); err != nil {
		return fmt.Errorf("free failed: %v", err)
	}
	fmt.Printf("freed block at %d\n", ref)

	return nil
}

func withClient(ctx *cli.Context, fn func(c *poolIpc.Client) error) error {
	name := fmt.Sprintf("%s[%d]", ctx.Command.Name, os.Getpid())

	c, err := poolIpc.Dial(sockPath(ctx), name)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(c)
}

func uintArg(ctx *cli.Context, i, bits int) (uint64, error) {
	if ctx.NArg() <= i {
		return 0, fmt.Errorf("missing argument")
	}
	v, err := strconv.ParseUint(ctx.Args().Get(i), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid argument %q: %v", ctx.Args().Get(i), err)
	}
	return v, nil
}

func refArg(ctx *cli.Context, i int) (int64, error) {
	v, err := uintArg(ctx, i, 63)
	return int64(v), err
}
