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
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sys/unix"
)

type connectPhase int8

const (
	phaseConnecting connectPhase = iota
	phaseSendStartup
	phaseAwaitAuth
	phaseFlushAuth
	phaseDone
	phaseFailed
)

type connectState struct {
	phase    connectPhase
	sockaddr unix.Sockaddr
	deadline time.Time
	scram    *scramClient
}

// ConnectStart resolves the target address, creates a non-blocking socket
// and begins the connection. The handshake is then driven by ConnectPoll.
func ConnectStart(settings map[string]string) (*Handle, error) {
	h := &Handle{
		fd:         -1,
		status:     StatusConnecting,
		settings:   settings,
		parameters: make(map[string]string),
		txStatus:   TxUnknown,
	}

	host := settings["host"]
	if host == "" {
		host = "/var/run/postgresql"
	}
	port := settings["port"]
	if port == "" {
		port = "5432"
	}

	var (
		sa     unix.Sockaddr
		domain int
	)
	if len(host) > 0 && host[0] == '/' {
		h.network = "unix"
		h.raddr = host + "/.s.PGSQL." + port
		sa = &unix.SockaddrUnix{Name: h.raddr}
		domain = unix.AF_UNIX
	} else {
		h.network = "tcp"
		h.raddr = net.JoinHostPort(host, port)
		addr, err := net.ResolveTCPAddr("tcp", h.raddr)
		if err != nil {
			return nil, fmt.Errorf("could not translate host name %q to address: %v", host, err)
		}
		if ip4 := addr.IP.To4(); ip4 != nil {
			sa4 := &unix.SockaddrInet4{Port: addr.Port}
			copy(sa4.Addr[:], ip4)
			sa = sa4
			domain = unix.AF_INET
		} else {
			sa6 := &unix.SockaddrInet6{Port: addr.Port}
			copy(sa6.Addr[:], addr.IP.To16())
			sa = sa6
			domain = unix.AF_INET6
		}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not create socket: %v", err)
	}
	if domain != unix.AF_UNIX {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	h.fd = fd

	st := &connectState{phase: phaseConnecting, sockaddr: sa}
	if v := settings["connect_timeout"]; v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			if secs < 2 {
				secs = 2 // the native library rounds very short timeouts up
			}
			st.deadline = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	h.connect = st

	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR:
	default:
		_ = h.Close()
		return nil, fmt.Errorf("could not connect to server: %v", err)
	}

	return h, nil
}

// ConnectPoll advances the handshake one non-blocking step and reports what
// the caller should wait for before polling again.
func (h *Handle) ConnectPoll() PollingStatus {
	st := h.connect
	if st == nil || st.phase == phaseFailed {
		return PollFailed
	}
	if !st.deadline.IsZero() && time.Now().After(st.deadline) {
		return h.connectFailed("timeout expired")
	}

	switch st.phase {
	case phaseConnecting:
		switch err := unix.Connect(h.fd, st.sockaddr); err {
		case nil, unix.EISCONN:
			if err := h.sendStartup(); err != nil {
				return h.connectFailed("%v", err)
			}
			st.phase = phaseSendStartup
			return PollWriting
		case unix.EALREADY, unix.EINPROGRESS, unix.EINTR, unix.EAGAIN:
			return PollWriting
		default:
			return h.connectFailed("could not connect to server: %v", err)
		}

	case phaseSendStartup, phaseFlushAuth:
		done, err := h.Flush()
		if err != nil {
			return h.connectFailed("%v", err)
		}
		if !done {
			return PollWriting
		}
		st.phase = phaseAwaitAuth
		return PollReading

	case phaseAwaitAuth:
		if err := h.readAvailable(); err != nil {
			return h.connectFailed("%v", err)
		}
		return h.advanceAuth()

	case phaseDone:
		return PollOK
	}
	return PollFailed
}

func (h *Handle) connectFailed(format string, a ...any) PollingStatus {
	h.status = StatusBad
	h.errMsg = fmt.Sprintf(format, a...)
	if h.connect != nil {
		h.connect.phase = phaseFailed
	}
	return PollFailed
}

func (h *Handle) sendStartup() error {
	params := map[string]string{"user": h.settings["user"]}
	if db := h.settings["dbname"]; db != "" {
		params["database"] = db
	}
	for _, k := range []string{"application_name", "client_encoding", "options"} {
		if v := h.settings[k]; v != "" {
			params[k] = v
		}
	}
	return h.enqueue(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
}

// readAvailable reads from the socket without parsing; the auth loop
// consumes messages itself.
func (h *Handle) readAvailable() error {
	var tmp [8192]byte
	for {
		n, err := unix.Read(h.fd, tmp[:])
		if n > 0 {
			h.recvBuf = append(h.recvBuf, tmp[:n]...)
			if n == len(tmp) {
				continue
			}
			return nil
		}
		if n == 0 && err == nil {
			return fmt.Errorf("server closed the connection unexpectedly")
		}
		switch err {
		case unix.EAGAIN:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("could not receive data from server: %v", err)
		}
	}
}

func (h *Handle) advanceAuth() PollingStatus {
	st := h.connect
	for {
		typ, payload, ok := h.nextMessage()
		if !ok {
			return PollReading
		}
		switch typ {
		case 'R':
			status := h.processAuth(payload)
			if status != PollActive {
				return status
			}
		case 'S':
			var m pgproto3.ParameterStatus
			if err := m.Decode(payload); err != nil {
				return h.connectFailed("malformed ParameterStatus: %v", err)
			}
			h.parameters[m.Name] = m.Value
		case 'K':
			var m pgproto3.BackendKeyData
			if err := m.Decode(payload); err != nil {
				return h.connectFailed("malformed BackendKeyData: %v", err)
			}
			h.backendPID = m.ProcessID
			h.secretKey = m.SecretKey
		case 'E':
			var m pgproto3.ErrorResponse
			if err := m.Decode(payload); err != nil {
				return h.connectFailed("malformed ErrorResponse: %v", err)
			}
			return h.connectFailed("%s", newErrorResult(FatalError, &m).ErrorMessage())
		case 'N':
			// startup notices are dropped; the handler is installed later
		case 'Z':
			var m pgproto3.ReadyForQuery
			if err := m.Decode(payload); err != nil {
				return h.connectFailed("malformed ReadyForQuery: %v", err)
			}
			h.txStatus = txStatusFromByte(m.TxStatus)
			h.status = StatusOK
			st.phase = phaseDone
			st.scram = nil
			return PollOK
		default:
			return h.connectFailed("unexpected message type %q during startup", typ)
		}
		// a password response may have been enqueued
		if len(h.sendBuf) > 0 {
			st.phase = phaseFlushAuth
			return PollWriting
		}
	}
}

func (h *Handle) processAuth(payload []byte) PollingStatus {
	st := h.connect
	if len(payload) < 4 {
		return h.connectFailed("malformed authentication request")
	}
	code := binary.BigEndian.Uint32(payload[:4])
	password := h.settings["password"]

	switch code {
	case pgproto3.AuthTypeOk:
		return PollActive

	case pgproto3.AuthTypeCleartextPassword:
		if password == "" {
			return h.connectFailed("server requested a password but none was supplied")
		}
		if err := h.enqueue(&pgproto3.PasswordMessage{Password: password}); err != nil {
			return h.connectFailed("%v", err)
		}
		return PollActive

	case pgproto3.AuthTypeMD5Password:
		if password == "" {
			return h.connectFailed("server requested a password but none was supplied")
		}
		var m pgproto3.AuthenticationMD5Password
		if err := m.Decode(payload); err != nil {
			return h.connectFailed("malformed md5 authentication request: %v", err)
		}
		digest := md5Hex(md5Hex(password+h.settings["user"]) + string(m.Salt[:]))
		if err := h.enqueue(&pgproto3.PasswordMessage{Password: "md5" + digest}); err != nil {
			return h.connectFailed("%v", err)
		}
		return PollActive

	case pgproto3.AuthTypeSASL:
		var m pgproto3.AuthenticationSASL
		if err := m.Decode(payload); err != nil {
			return h.connectFailed("malformed SASL authentication request: %v", err)
		}
		mechOK := false
		for _, mech := range m.AuthMechanisms {
			if mech == scramSHA256 {
				mechOK = true
			}
		}
		if !mechOK {
			return h.connectFailed("none of the server SASL mechanisms %v are supported", m.AuthMechanisms)
		}
		if password == "" {
			return h.connectFailed("server requested SASL authentication but no password was supplied")
		}
		sc, err := newScramClient(password)
		if err != nil {
			return h.connectFailed("%v", err)
		}
		st.scram = sc
		if err := h.enqueue(&pgproto3.SASLInitialResponse{
			AuthMechanism: scramSHA256,
			Data:          sc.clientFirstMessage(),
		}); err != nil {
			return h.connectFailed("%v", err)
		}
		return PollActive

	case pgproto3.AuthTypeSASLContinue:
		var m pgproto3.AuthenticationSASLContinue
		if err := m.Decode(payload); err != nil {
			return h.connectFailed("malformed SASL challenge: %v", err)
		}
		if st.scram == nil {
			return h.connectFailed("unexpected SASL challenge")
		}
		final, err := st.scram.clientFinalMessage(m.Data)
		if err != nil {
			return h.connectFailed("%v", err)
		}
		if err := h.enqueue(&pgproto3.SASLResponse{Data: final}); err != nil {
			return h.connectFailed("%v", err)
		}
		return PollActive

	case pgproto3.AuthTypeSASLFinal:
		var m pgproto3.AuthenticationSASLFinal
		if err := m.Decode(payload); err != nil {
			return h.connectFailed("malformed SASL outcome: %v", err)
		}
		if st.scram == nil {
			return h.connectFailed("unexpected SASL outcome")
		}
		if err := st.scram.verifyServerFinal(m.Data); err != nil {
			return h.connectFailed("%v", err)
		}
		return PollActive

	default:
		return h.connectFailed("authentication method %d not supported", code)
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
