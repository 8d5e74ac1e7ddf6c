// Copyright (C) The Immunofunnel Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/cancer-genomics/immunofunnel"
)

func main() {
	immunofunnel.Main()
}
