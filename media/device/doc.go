// Package device captures the local camera and microphone through pion/mediadevices.
// Capture needs the V4L2 and malgo drivers and is only built on linux.
package device
