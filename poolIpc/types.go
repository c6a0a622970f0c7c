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

import "github.com/nestybox/buddy-mgr/intf"

// Name under which the pool service is registered
const serviceName = "buddymgr.Pool"

// fullMethod returns the grpc method path for the given pool method
func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// SessionArgs identifies the client in the server logs
type SessionArgs struct {
	Client string
}

type SessionReply struct {
	ID string
}

type AllocArgs struct {
	Size uint32
}

// RefArgs carries a block reference (Free, SetWriteTarget, SetReadTarget)
type RefArgs struct {
	Ref int64
}

// WriteArgs is used by Write and WriteBuffer (which ignores Ref)
type WriteArgs struct {
	Ref  int64
	Data []byte
}

// ReadArgs is used by Read and ReadBuffer (which ignores Ref)
type ReadArgs struct {
	Ref    int64
	MaxLen int
}

// Reply carries a block reference, a byte count, or a negative error code
type Reply struct {
	Code int64
}

type ReadReply struct {
	Code int64
	Data []byte
}

type StatsReply struct {
	Stats intf.PoolStats
}
