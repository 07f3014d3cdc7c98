package writer

import "errors"

var errUnsupportedFallocate = errors.New("writer: fallocate not supported on this platform")
