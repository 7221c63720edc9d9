//go:build !embed
// +build !embed

package main

import "embed"

// Without the embed tag models are read from the configured directories
var modelFiles embed.FS
