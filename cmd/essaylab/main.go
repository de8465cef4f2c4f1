// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command essaylab runs the EssayLab study service and its researcher
// tooling.
//
// # Usage
//
//	essaylab serve --config essaylab.yaml
//	essaylab db init
//	essaylab parse --tool clarity --essay essay.txt --response answer.md
//	essaylab results --participant p_k3x9a2mq1
//	essaylab config print
package main

import (
	"context"
	"os"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
