// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyECDSA(t *testing.T) {
	sk, pk, err := GenerateECDSAKeyPair()
	require.NoError(t, err)

	hash := Hash([]byte("hello world"))
	sig, err := Sign(hash, sk)
	require.NoError(t, err)
	require.NoError(t, CheckSig(hash, pk, sig))

	other := Hash([]byte("goodbye"))
	require.Error(t, CheckSig(other, pk, sig))
}

func TestMerkleHashDigests(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))
	c := Hash([]byte("c"))

	d1 := MerkleHashDigests([]Digest{a, b, c})
	d2 := MerkleHashDigests([]Digest{a, b, c})
	require.Equal(t, d1, d2)

	d3 := MerkleHashDigests([]Digest{a, b})
	require.NotEqual(t, d1, d3)

	require.True(t, MerkleHashDigests(nil).IsZero())
}

func TestMAC(t *testing.T) {
	key := []byte("pairwise-session-key")
	hash := Hash([]byte("payload"))

	tag := MAC(key, hash)
	require.True(t, CheckMAC(key, hash, tag))
	require.False(t, CheckMAC([]byte("other-key"), hash, tag))
}

func TestVerifyPool(t *testing.T) {
	pool := NewVerifyPool(4)
	defer pool.Close()

	sk, pk, err := GenerateECDSAKeyPair()
	require.NoError(t, err)

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		hash := Hash([]byte{byte(i)})
		sig, err := Sign(hash, sk)
		require.NoError(t, err)
		pool.Submit(VerifyJob{
			Verify: func() error { return CheckSig(hash, pk, sig) },
			Done:   func(err error) { results <- err },
		})
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
}
