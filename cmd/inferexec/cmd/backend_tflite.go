//go:build tflite

package cmd

import (
	"github.com/psantana5/inferexec/pkg/backend"
	"github.com/psantana5/inferexec/pkg/backend/tflite"
)

// newBackend returns the TensorFlow Lite C API backend.
// Build with: go build -tags tflite
func newBackend() backend.Backend {
	return tflite.New()
}
