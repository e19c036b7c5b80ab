package main

import "github.com/xyproto/env/v2"

// defaultPatcher is resolved relative to the working directory.
const defaultPatcher = "hpatchz.exe"

// Config is read from the environment.
type Config struct {
	Patcher string // OVERLAY_PATCHER: path of the patcher tool that is embedded alongside the patches
	Quiet   bool   // OVERLAY_QUIET: suppress progress output
}

// loadConfig takes a fresh snapshot of the environment.
func loadConfig() Config {
	env.Load()
	return Config{
		Patcher: env.Str("OVERLAY_PATCHER", defaultPatcher),
		Quiet:   env.Bool("OVERLAY_QUIET"),
	}
}
