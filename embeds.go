//go:build embed
// +build embed

package main

import "embed"

// Embed the NER model and the face cascade
//
//go:embed model/quantized/* model/face/*
var modelFiles embed.FS
