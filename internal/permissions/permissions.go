// Package permissions gates audio capture on the platform's microphone
// authorization.
package permissions

import "errors"

var (
	ErrMicrophoneNotGranted = errors.New("microphone permission not granted yet, allow access and retry")
	ErrMicrophoneDenied     = errors.New("microphone permission denied, enable it in System Settings → Privacy & Security → Microphone")
)
