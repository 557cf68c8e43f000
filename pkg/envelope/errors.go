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

import "errors"

var (
	// ErrInvalidKeySize is returned when a caller supplies a key that is
	// not exactly 32 bytes.
	ErrInvalidKeySize = errors.New("envelope: key must be 32 bytes")
	// ErrUnknownVariant is returned for an unrecognized Variant value.
	ErrUnknownVariant = errors.New("envelope: unknown AEAD variant")
	// ErrSealedBoxTooShort is returned when a sealed-box bundle is
	// shorter than the ephemeral-public-key + nonce overhead, and when a
	// wrapped data key is empty or lacks the 0x00 version byte.
	ErrSealedBoxTooShort = errors.New("envelope: sealed box bundle too short")
	// ErrSealedBoxOpenFailed is returned when sealed-box authentication
	// fails.
	ErrSealedBoxOpenFailed = errors.New("envelope: sealed box open failed")
)
