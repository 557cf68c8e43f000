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

// Context is the per-scope, per-operation encryption context: the AEAD key,
// which variant it is used under, and — for dataKey scopes — the sealed,
// version-prefixed wrapping of that key to the content public key. A
// Context is created once at session/machine registration and is
// immutable thereafter (spec.md §3, "EncryptionContext").
type Context struct {
	Key            [32]byte
	Variant        Variant
	WrappedDataKey []byte // nil for legacy
}

// Encrypt marshals v and encrypts it under ctx.
func (ctx Context) Encrypt(v interface{}) ([]byte, error) {
	return EncryptJSON(ctx.Key[:], ctx.Variant, v)
}

// Decrypt reverses Encrypt into out. It returns ok=false, never an error,
// on any malformed-bundle or authentication failure.
func (ctx Context) Decrypt(bundle []byte, out interface{}) (ok bool) {
	return DecryptJSON(ctx.Key[:], ctx.Variant, bundle, out)
}

// EncryptToString is Encrypt followed by standard base64 framing, the form
// carried over the wire and in persisted metadata fields.
func (ctx Context) EncryptToString(v interface{}) (string, error) {
	b, err := ctx.Encrypt(v)
	if err != nil {
		return "", err
	}
	return EncodeStd(b), nil
}

// DecryptString reverses EncryptToString.
func (ctx Context) DecryptString(s string, out interface{}) (ok bool) {
	b, err := DecodeStd(s)
	if err != nil {
		return false
	}
	return ctx.Decrypt(b, out)
}
