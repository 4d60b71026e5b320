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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const scramSHA256 = "SCRAM-SHA-256"

// scramClient runs the client side of a SCRAM-SHA-256 exchange (RFC 5802,
// RFC 7677). Channel binding is not used ("n,,").
type scramClient struct {
	password    string
	clientNonce string
	firstBare   string
	serverKey   []byte // expected server signature inputs
	authMessage string
	storedKey   []byte
	clientKey   []byte
}

func newScramClient(password string) (*scramClient, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("could not generate SASL nonce: %v", err)
	}
	return &scramClient{
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func (s *scramClient) clientFirstMessage() []byte {
	s.firstBare = "n=,r=" + s.clientNonce
	return []byte("n,," + s.firstBare)
}

func (s *scramClient) clientFinalMessage(serverFirst []byte) ([]byte, error) {
	var serverNonce, salt string
	var iterations int
	for _, field := range strings.Split(string(serverFirst), ",") {
		if len(field) < 2 || field[1] != '=' {
			return nil, fmt.Errorf("malformed SASL challenge: %q", serverFirst)
		}
		switch field[0] {
		case 'r':
			serverNonce = field[2:]
		case 's':
			salt = field[2:]
		case 'i':
			n, err := strconv.Atoi(field[2:])
			if err != nil {
				return nil, fmt.Errorf("malformed SASL iteration count: %q", field)
			}
			iterations = n
		}
	}
	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return nil, fmt.Errorf("SASL server nonce does not extend the client nonce")
	}
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("malformed SASL salt: %v", err)
	}
	if iterations < 1 {
		return nil, fmt.Errorf("SASL iteration count missing")
	}

	salted := pbkdf2.Key([]byte(s.password), saltBytes, iterations, sha256.Size, sha256.New)
	s.clientKey = hmacSum(salted, "Client Key")
	stored := sha256.Sum256(s.clientKey)
	s.storedKey = stored[:]
	s.serverKey = hmacSum(salted, "Server Key")

	withoutProof := "c=biws,r=" + serverNonce
	s.authMessage = s.firstBare + "," + string(serverFirst) + "," + withoutProof

	sig := hmacSum(s.storedKey, s.authMessage)
	proof := make([]byte, len(s.clientKey))
	for i := range proof {
		proof[i] = s.clientKey[i] ^ sig[i]
	}
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (s *scramClient) verifyServerFinal(serverFinal []byte) error {
	msg := string(serverFinal)
	if strings.HasPrefix(msg, "e=") {
		return fmt.Errorf("SASL authentication error: %s", msg[2:])
	}
	if !strings.HasPrefix(msg, "v=") {
		return fmt.Errorf("malformed SASL outcome: %q", msg)
	}
	got, err := base64.StdEncoding.DecodeString(msg[2:])
	if err != nil {
		return fmt.Errorf("malformed SASL server signature: %v", err)
	}
	want := hmacSum(s.serverKey, s.authMessage)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("SASL server signature mismatch")
	}
	return nil
}

func hmacSum(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
