package streamhub

import "errors"

// errStreamNotFound is wrapped with the identifier string at each call site
// so callers can both errors.Is check it and log a useful message.
var errStreamNotFound = errors.New("stream not found")
