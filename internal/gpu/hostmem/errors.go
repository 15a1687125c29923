package hostmem

import "errors"

// ErrUnsupported is returned on hosts without memfd.
var ErrUnsupported = errors.New("hostmem: shared host memory requires linux")
