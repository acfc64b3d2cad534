package transport

// DeviceOpener returns an Opener for a character device at path. A baud of
// zero leaves the line speed unchanged.
func DeviceOpener(path string, baud int) Opener {
	return func() (Channel, error) {
		return openDevice(path, baud)
	}
}
