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
	"crypto/hmac"
	"crypto/sha256"
)

// MACSize is the width of a single entry in a MAC vector.
const MACSize = sha256.Size

// MAC computes a keyed authenticator over hash using the pairwise session
// key shared with the intended verifier. Used for Prepare/Commit messages
// when SIGN_BATCH is not required (spec's non-signature authentication
// path).
func MAC(key []byte, hash Digest) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(hash[:])
	return m.Sum(nil)
}

// CheckMAC verifies a MAC produced by MAC.
func CheckMAC(key []byte, hash Digest, tag []byte) bool {
	return hmac.Equal(MAC(key, hash), tag)
}
