package protocol

import "errors"

var (
	// ErrFrame marks a packet whose framing is unusable (short header,
	// payload shorter than declared). The packet is dropped.
	ErrFrame = errors.New("frame error")

	// ErrDecode marks a payload too short for its record type.
	ErrDecode = errors.New("decode error")
)
