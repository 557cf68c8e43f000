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
	"crypto/rand"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// SealBox anonymously encrypts message to recipientPub: a fresh ephemeral
// keypair is generated, used once, and discarded. The bundle is
// [ephPub(32) | nonce(24) | box-ciphertext].
func SealBox(recipientPub [32]byte, message []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32+24+len(message)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, message, &nonce, &recipientPub, ephPriv)
	return out, nil
}

// OpenBox reverses SealBox using the recipient's private key.
func OpenBox(recipientPriv [32]byte, bundle []byte) ([]byte, error) {
	if len(bundle) < 32+24+box.Overhead {
		return nil, ErrSealedBoxTooShort
	}
	var ephPub [32]byte
	copy(ephPub[:], bundle[:32])
	var nonce [24]byte
	copy(nonce[:], bundle[32:56])

	message, ok := box.Open(nil, bundle[56:], &nonce, &ephPub, &recipientPriv)
	if !ok {
		return nil, ErrSealedBoxOpenFailed
	}
	return message, nil
}

// WrapDataKey sealed-box-wraps a data key to the content public key and
// prepends the 0x00 version byte used for the server-persisted form
// (spec.md §4.1: "the version-prefixed form stored server-side prepends a
// 0x00 byte").
func WrapDataKey(contentPub [32]byte, dataKey []byte) ([]byte, error) {
	sealed, err := SealBox(contentPub, dataKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(sealed))
	out = append(out, dataKeyVersionByte)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapDataKey reverses WrapDataKey, stripping the version byte before
// opening the sealed box.
func UnwrapDataKey(contentPriv [32]byte, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 1 || wrapped[0] != dataKeyVersionByte {
		return nil, ErrSealedBoxTooShort
	}
	return OpenBox(contentPriv, wrapped[1:])
}
