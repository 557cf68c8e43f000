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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Variant names the AEAD scheme an EncryptionContext uses.
type Variant string

const (
	// VariantLegacy is XSalsa20-Poly1305 (NaCl secretbox) under the raw
	// 32-byte account secret.
	VariantLegacy Variant = "legacy"
	// VariantDataKey is AES-256-GCM under a per-session random key,
	// version-prefixed on the wire.
	VariantDataKey Variant = "dataKey"
)

const dataKeyVersionByte = 0x00

// EncryptJSON marshals v to canonical JSON and encrypts it under key using
// variant. The returned bytes are the raw bundle (caller base64-encodes for
// wire transport).
func EncryptJSON(key []byte, variant Variant, v interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch variant {
	case VariantLegacy:
		return encryptLegacy(key, plaintext)
	case VariantDataKey:
		return encryptDataKey(key, plaintext)
	default:
		return nil, ErrUnknownVariant
	}
}

// DecryptJSON decrypts bundle under key/variant and unmarshals into out (a
// pointer). It returns ok=false — never an error — when the bundle is
// malformed or authentication fails, matching the spec's "decrypt returns
// nothing rather than throwing" contract (Testable Property 1).
func DecryptJSON(key []byte, variant Variant, bundle []byte, out interface{}) (ok bool) {
	var plaintext []byte
	var err error
	switch variant {
	case VariantLegacy:
		plaintext, err = decryptLegacy(key, bundle)
	case VariantDataKey:
		plaintext, err = decryptDataKey(key, bundle)
	default:
		return false
	}
	if err != nil || plaintext == nil {
		return false
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return false
	}
	return true
}

// encryptLegacy produces [nonce(24) | secretbox(ciphertext+MAC)].
func encryptLegacy(key, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	var keyArr [32]byte
	copy(keyArr[:], key)

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 24+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &keyArr)
	return out, nil
}

// decryptLegacy reverses encryptLegacy. Returns (nil, nil) — not an error —
// on auth failure or malformed input, per the "nothing rather than
// throwing" contract.
func decryptLegacy(key, bundle []byte) ([]byte, error) {
	if len(key) != 32 || len(bundle) < 24+secretbox.Overhead {
		return nil, nil
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	var nonce [24]byte
	copy(nonce[:], bundle[:24])

	plaintext, ok := secretbox.Open(nil, bundle[24:], &nonce, &keyArr)
	if !ok {
		return nil, nil
	}
	return plaintext, nil
}

// encryptDataKey produces [0x00 | nonce(12) | ciphertext | tag(16)] using
// AES-256-GCM.
func encryptDataKey(key, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, dataKeyVersionByte)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// decryptDataKey reverses encryptDataKey. Returns (nil, nil) on any
// structural or authentication failure: length < 29, first byte != 0, or
// GCM auth failure, per spec.md §4.1.
func decryptDataKey(key, bundle []byte) ([]byte, error) {
	if len(key) != 32 || len(bundle) < 29 || bundle[0] != dataKeyVersionByte {
		return nil, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	nonce := bundle[1 : 1+nonceSize]
	ciphertext := bundle[1+nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil
	}
	return plaintext, nil
}
