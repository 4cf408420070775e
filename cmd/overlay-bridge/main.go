package main

import "overlay-bridge/cmd/overlay-bridge/cmd"

// Set by the release build.
var version = "dev"

func main() {
	cmd.Execute(version)
}
