package scanner

import "errors"

// StatusOK is the device status code for success. Any other status is a
// device-specific failure and is passed through unchanged.
const StatusOK = 0

// ErrInvalidArgument is returned when a command argument is rejected before
// it reaches the device (for example a blank IP address).
var ErrInvalidArgument = errors.New("scanner: invalid argument")
