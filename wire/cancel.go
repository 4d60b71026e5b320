// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Cancel is a token that can abort the query in flight on the connection it
// was obtained from. It holds no reference to the Handle, so it is safe to
// invoke from any goroutine, including while the connection is busy.
type Cancel struct {
	network string
	addr    string
	pid     uint32
	key     uint32
}

// CancelToken returns a cancellation token for the current session.
func (h *Handle) CancelToken() *Cancel {
	return &Cancel{
		network: h.network,
		addr:    h.raddr,
		pid:     h.backendPID,
		key:     h.secretKey,
	}
}

// Cancel opens a new connection to the server and requests the current
// query of the target session to be aborted. A successful request does not
// guarantee the query is cancelled; the session will report QueryCanceled
// if it was.
func (c *Cancel) Cancel() error {
	conn, err := net.DialTimeout(c.network, c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("could not connect to send cancel request: %v", err)
	}
	defer conn.Close()

	buf, err := (&pgproto3.CancelRequest{ProcessID: c.pid, SecretKey: c.key}).Encode(nil)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("could not send cancel request: %v", err)
	}
	// the server acknowledges by closing the connection
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err = conn.Read(make([]byte, 1)); err != nil && err != io.EOF {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil
		}
	}
	return nil
}
