// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import qrcode "github.com/skip2/go-qrcode"

const qrImageSize = 256

// loginQRPNG renders a login code as a scannable PNG.
func loginQRPNG(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, qrImageSize)
}
