// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package envelope

import (
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestDeriveContentKeyPairDeterministic(t *testing.T) {
	secret := []byte("the same account secret every time")

	kp1, err := DeriveContentKeyPair(secret)
	require.NoError(t, err)
	kp2, err := DeriveContentKeyPair(secret)
	require.NoError(t, err)

	assert.Equal(t, kp1.Public, kp2.Public)
	assert.Equal(t, kp1.Private, kp2.Private)
}

func TestDeriveContentKeyPairDiffersPerSecret(t *testing.T) {
	kp1, err := DeriveContentKeyPair([]byte("secret one"))
	require.NoError(t, err)
	kp2, err := DeriveContentKeyPair([]byte("secret two"))
	require.NoError(t, err)

	assert.NotEqual(t, kp1.Public, kp2.Public)
}

// TestSeedToKeyPairMatchesHashThenTruncate pins the requirement in
// spec.md §4.1: the scalar is the clamped first 32 bytes of SHA-512(seed),
// never the raw seed.
func TestSeedToKeyPairMatchesHashThenTruncate(t *testing.T) {
	var seed [32]byte
	copy(seed[:], []byte("a deterministic 32-byte seed!!!"))

	kp := seedToKeyPair(seed)

	h := sha512.Sum512(seed[:])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var wantPriv [32]byte
	copy(wantPriv[:], h[:32])
	assert.Equal(t, wantPriv, kp.Private)

	var wantPub [32]byte
	curve25519.ScalarBaseMult(&wantPub, &wantPriv)
	assert.Equal(t, wantPub, kp.Public)

	// A raw-seed keypair would scalar-mult the seed directly; confirm that
	// is NOT what DeriveContentKeyPair produces.
	var rawPub [32]byte
	curve25519.ScalarBaseMult(&rawPub, &seed)
	assert.NotEqual(t, rawPub, kp.Public)
}
