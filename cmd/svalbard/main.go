// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command svalbard is the operator CLI for the Svalbard appliance.
//
// It talks to the model gateway over HTTP to manage the models the
// appliance runs on: listing, pulling with live progress, activating,
// and inspecting the lifecycle journal.
//
// # Environment Variables
//
//   - SVALBARD_GATEWAY_URL: model gateway base URL (default: http://localhost:12310)
//
// # Usage
//
//	svalbard models list
//	svalbard models pull llama3.1:8b
//	svalbard models activate llama3.1:8b
//	svalbard models status
package main

import (
	"fmt"
	"os"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
}
