// CrowdGuard - Crowd-sourced fraud intelligence and protection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	Execute()
}
