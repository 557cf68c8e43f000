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

package credentials

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sage-x-project/happyagent/pkg/envelope"
)

// ResolveSessionEncryption implements spec.md §4.2's
// resolveSessionEncryption: for the dataKey variant it mints a fresh random
// session key and seals it to the content public key; for legacy it passes
// the account secret through unwrapped.
func ResolveSessionEncryption(creds Credentials) (envelope.Context, error) {
	if creds.Variant == envelope.VariantLegacy {
		return legacyPassthrough(creds), nil
	}
	var sessionKey [32]byte
	if _, err := io.ReadFull(rand.Reader, sessionKey[:]); err != nil {
		return envelope.Context{}, fmt.Errorf("credentials: generate session key: %w", err)
	}
	return wrapDataKeyContext(creds, sessionKey)
}

// ResolveMachineEncryption implements spec.md §4.2's
// resolveMachineEncryption: for the dataKey variant the key is the stable
// per-device MachineKey (not freshly generated), wrapped identically to
// the session path; legacy is the same passthrough.
func ResolveMachineEncryption(creds Credentials) (envelope.Context, error) {
	if creds.Variant == envelope.VariantLegacy {
		return legacyPassthrough(creds), nil
	}
	return wrapDataKeyContext(creds, creds.MachineKey)
}

func legacyPassthrough(creds Credentials) envelope.Context {
	return envelope.Context{Key: creds.AccountSecret, Variant: envelope.VariantLegacy}
}

func wrapDataKeyContext(creds Credentials, key [32]byte) (envelope.Context, error) {
	contentKP, err := creds.ContentKeyPair()
	if err != nil {
		return envelope.Context{}, fmt.Errorf("credentials: derive content keypair: %w", err)
	}
	wrapped, err := envelope.WrapDataKey(contentKP.Public, key[:])
	if err != nil {
		return envelope.Context{}, fmt.Errorf("credentials: wrap data key: %w", err)
	}
	return envelope.Context{Key: key, Variant: envelope.VariantDataKey, WrappedDataKey: wrapped}, nil
}

// RehydrateWrappedKey implements the client-side half of spec.md §4.2's
// "the client re-derives the unwrapped key on first receive" behavior: the
// server echoes a session's or machine's wrapped key under
// dataEncryptionKey, and hydration from a list endpoint must recover the
// same plaintext key the in-memory EncryptionContext already holds.
func RehydrateWrappedKey(creds Credentials, wrapped []byte) ([32]byte, error) {
	var key [32]byte
	contentKP, err := creds.ContentKeyPair()
	if err != nil {
		return key, fmt.Errorf("credentials: derive content keypair: %w", err)
	}
	plaintext, err := envelope.UnwrapDataKey(contentKP.Private, wrapped)
	if err != nil {
		return key, fmt.Errorf("credentials: unwrap data key: %w", err)
	}
	if len(plaintext) != 32 {
		return key, fmt.Errorf("credentials: unwrapped key has length %d, want 32", len(plaintext))
	}
	copy(key[:], plaintext)
	return key, nil
}
