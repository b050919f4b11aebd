package config

import (
	"fmt"
	"strings"
)

const (
	BackendNativeONNX        = "native-onnx"
	BackendNativeSafetensors = "native-safetensors"
)

// NormalizeBackend canonicalises a backend name. Empty selects ONNX.
func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	switch backend {
	case "", "onnx", BackendNativeONNX:
		return BackendNativeONNX, nil
	case "native", "safetensors", BackendNativeSafetensors:
		return BackendNativeSafetensors, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s)",
			raw,
			BackendNativeONNX,
			BackendNativeSafetensors,
		)
	}
}
