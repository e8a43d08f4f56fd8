// Copyright 2024 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package main

import (
	"os"

	"github.com/stratumdb/stratum/pkg/cli"
)

func main() {
	os.Exit(cli.Main())
}
