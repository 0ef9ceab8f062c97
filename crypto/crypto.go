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

// Package crypto provides content-addressed hashing and the two
// authentication modes a message can carry: an asymmetric signature or a
// pairwise MAC.
package crypto

import (
	cstd "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// DigestSize is the fixed width of a content digest.
const DigestSize = sha256.Size

// Digest is a content-addressed hash of a request, batch, or checkpointed
// state. Fixed width so it can sit directly in a packed wire struct.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return base64.RawStdEncoding.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest (used as a NULL placeholder
// in view-change reconstruction).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hash returns the sha256 digest of data.
func Hash(data []byte) Digest {
	return sha256.Sum256(data)
}

// HashConcat hashes the ordered concatenation of several fields, used for
// request digests (client_id || request_id || payload).
func HashConcat(parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// MerkleHashDigests folds a list of digests pairwise into a single batch
// digest. Used to compose the digest of a request batch from the digests
// of its members.
func MerkleHashDigests(digests []Digest) Digest {
	level := digests
	for len(level) > 1 {
		var next []Digest
		var prev *Digest
		for i := range level {
			d := level[i]
			if prev == nil {
				prev = &d
			} else {
				h := sha256.New()
				h.Write(prev[:])
				h.Write(d[:])
				var sum Digest
				copy(sum[:], h.Sum(nil))
				next = append(next, sum)
				prev = nil
			}
		}
		if prev != nil {
			next = append(next, *prev)
		}
		level = next
	}
	if len(level) == 0 {
		return Digest{}
	}
	return level[0]
}

// ParallelDigest hashes each element of data concurrently, then folds the
// results into a single digest. Used for hashing large checkpoint
// snapshots split into chunks.
func ParallelDigest(data [][]byte) Digest {
	digests := make([]Digest, len(data))
	var wg sync.WaitGroup
	wg.Add(len(data))
	for i, d := range data {
		go func(i int, d []byte) {
			defer wg.Done()
			digests[i] = Hash(d)
		}(i, d)
	}
	wg.Wait()
	return MerkleHashDigests(digests)
}

// Sign produces an asymmetric signature over hash using sk, which must be
// an *ecdsa.PrivateKey or *rsa.PrivateKey.
func Sign(hash Digest, sk interface{}) ([]byte, error) {
	switch pvk := sk.(type) {
	case *rsa.PrivateKey:
		return pvk.Sign(crand.Reader, hash[:], cstd.SHA256)
	case *ecdsa.PrivateKey:
		return signECDSA(pvk, hash)
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", pvk)
	}
}

// CheckSig verifies an asymmetric signature over hash under pk.
func CheckSig(hash Digest, pk interface{}, sig []byte) error {
	switch p := pk.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(p, hash, sig)
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(p, cstd.SHA256, hash[:], sig)
	default:
		return fmt.Errorf("unsupported public key type: %T", p)
	}
}

func PublicKeyToBytes(pk interface{}) ([]byte, error) {
	switch p := pk.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(p)
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", p)
	}
}

func PrivateKeyToBytes(pk interface{}) ([]byte, error) {
	switch p := pk.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
		return x509.MarshalPKCS8PrivateKey(p)
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", p)
	}
}

func PublicKeyFromBytes(raw []byte) (interface{}, error) {
	pk, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, err
	}
	switch p := pk.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", p)
	}
}

func PrivateKeyFromBytes(raw []byte) (interface{}, error) {
	pk, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, err
	}
	switch p := pk.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", p)
	}
}

func GenerateKeyPair() (interface{}, interface{}, error) {
	return GenerateECDSAKeyPair()
}

// GenerateECDSAKeyPair generates a P-256 key pair, this repo's only
// signing curve.
func GenerateECDSAKeyPair() (*ecdsa.PrivateKey, *ecdsa.PublicKey, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return privKey, &privKey.PublicKey, nil
}

// ecdsaSignature is the ASN.1 encoding of an (r, s) signature pair.
type ecdsaSignature struct {
	R, S *big.Int
}

func signECDSA(sk *ecdsa.PrivateKey, hash Digest) ([]byte, error) {
	r, s, err := ecdsa.Sign(crand.Reader, sk, hash[:])
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(ecdsaSignature{r, s})
}

func verifyECDSA(pk *ecdsa.PublicKey, hash Digest, sig []byte) error {
	var parsed ecdsaSignature
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return fmt.Errorf("crypto: malformed ecdsa signature: %w", err)
	}
	if parsed.R == nil || parsed.R.Sign() != 1 {
		return errors.New("crypto: invalid signature, r must be positive")
	}
	if parsed.S == nil || parsed.S.Sign() != 1 {
		return errors.New("crypto: invalid signature, s must be positive")
	}
	if !ecdsa.Verify(pk, hash[:], parsed.R, parsed.S) {
		return errors.New("crypto: ecdsa signature verification failed")
	}
	return nil
}
