//go:build !tflite

package cmd

import (
	"github.com/psantana5/inferexec/pkg/backend"
	"github.com/psantana5/inferexec/pkg/backend/native"
)

// newBackend returns the pure-Go backend (default build).
// For the TensorFlow Lite C library, build with: go build -tags tflite
func newBackend() backend.Backend {
	return native.New()
}
