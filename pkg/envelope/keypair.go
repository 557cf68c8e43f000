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
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// keyTreeLabel is the fixed usage label under which the content keypair
// seed is derived from the account secret (spec.md §4.1).
const keyTreeLabel = "Happy EnCoder"

// ContentKeyPair is the deterministic curve25519 keypair used to seal and
// unseal per-session data keys. Unlike an ephemeral X25519 pair, the same
// account secret always reproduces the same ContentKeyPair.
type ContentKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// DeriveContentKeyPair walks the key-derivation tree under the fixed path
// ["content"] to obtain a 32-byte seed from accountSecret, then derives the
// curve25519 keypair the same way libsodium's crypto_box_seed_keypair does:
// hash the seed with SHA-512, clamp the low/high bits of the first 32 bytes
// to get the scalar, and multiply by the curve25519 base point. A raw-seed
// keypair (treating the seed itself as the scalar) would NOT reproduce the
// same public key and must not be used here.
func DeriveContentKeyPair(accountSecret []byte) (ContentKeyPair, error) {
	seed, err := deriveSeed(accountSecret, []string{"content"})
	if err != nil {
		return ContentKeyPair{}, err
	}
	return seedToKeyPair(seed), nil
}

// deriveSeed implements the fixed-label key tree: HKDF-SHA256 over
// accountSecret, salted by the JSON-encoded path, under the "Happy EnCoder"
// usage info string.
func deriveSeed(accountSecret []byte, path []string) ([32]byte, error) {
	var seed [32]byte
	salt, err := json.Marshal(path)
	if err != nil {
		return seed, fmt.Errorf("envelope: marshal key tree path: %w", err)
	}
	h := hkdf.New(sha256.New, accountSecret, salt, []byte(keyTreeLabel))
	if _, err := h.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("envelope: hkdf derive seed: %w", err)
	}
	return seed, nil
}

// seedToKeyPair reproduces libsodium's crypto_box_seed_keypair: the scalar
// is the clamped first half of SHA-512(seed), not the seed itself.
func seedToKeyPair(seed [32]byte) ContentKeyPair {
	h := sha512.Sum512(seed[:])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var kp ContentKeyPair
	copy(kp.Private[:], h[:32])
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp
}
