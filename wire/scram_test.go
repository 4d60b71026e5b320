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
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// fakeServerFirst builds a server-first message extending the client
// nonce, and returns the salted password for verification.
func fakeServerFirst(clientNonce string) (msg string, salted []byte) {
	salt := []byte("0123456789abcdef")
	iterations := 4096
	msg = "r=" + clientNonce + "serverpart" +
		",s=" + base64.StdEncoding.EncodeToString(salt) +
		",i=4096"
	salted = pbkdf2.Key([]byte("secret"), salt, iterations, sha256.Size, sha256.New)
	return msg, salted
}

func TestScramExchange(t *testing.T) {
	sc, err := newScramClient("secret")
	require.NoError(t, err)

	first := string(sc.clientFirstMessage())
	require.True(t, strings.HasPrefix(first, "n,,n=,r="))

	serverFirst, salted := fakeServerFirst(sc.clientNonce)
	final, err := sc.clientFinalMessage([]byte(serverFirst))
	require.NoError(t, err)
	finalStr := string(final)
	require.True(t, strings.HasPrefix(finalStr, "c=biws,r="+sc.clientNonce+"serverpart,p="))

	// verify the proof like a server would
	proofB64 := finalStr[strings.Index(finalStr, ",p=")+3:]
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	require.NoError(t, err)

	clientKey := hmacSum(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	authMessage := "n=,r=" + sc.clientNonce + "," + serverFirst + ",c=biws,r=" + sc.clientNonce + "serverpart"
	sig := hmacSum(storedKey[:], authMessage)
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ sig[i]
	}
	assert.Equal(t, clientKey, recovered, "the proof must recover the client key")

	// and the client must accept the matching server signature
	serverKey := hmacSum(salted, "Server Key")
	serverSig := hmacSum(serverKey, authMessage)
	ok := "v=" + base64.StdEncoding.EncodeToString(serverSig)
	assert.NoError(t, sc.verifyServerFinal([]byte(ok)))
	assert.Error(t, sc.verifyServerFinal([]byte("v=AAAA")))
	assert.Error(t, sc.verifyServerFinal([]byte("e=unknown-user")))
}

func TestScramRejectsForeignNonce(t *testing.T) {
	sc, err := newScramClient("secret")
	require.NoError(t, err)
	sc.clientFirstMessage()
	_, err = sc.clientFinalMessage([]byte("r=notmine,s=c2FsdA==,i=4096"))
	assert.Error(t, err)
}
