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

// Package envelope implements the wire codec: base64 framing, the two AEAD
// variants (legacy secretbox, dataKey AES-GCM), sealed-box key wrapping, and
// the deterministic content-keypair derivation.
package envelope

import "encoding/base64"

// EncodeStd base64-encodes with standard padded alphabet.
func EncodeStd(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeStd decodes standard base64, tolerating a caller that stripped
// padding (some server responses do).
func DecodeStd(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// EncodeURL base64-encodes with the URL-safe, unpadded alphabet.
func EncodeURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeURL decodes URL-safe base64, stripping padding if present.
func DecodeURL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
