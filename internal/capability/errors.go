package capability

import "errors"

// Errors returned by the real services. Proxies pass them through unchanged.
var (
	ErrInvalidCap       = errors.New("invalid capability")
	ErrCapQuotaExceeded = errors.New("cap quota exceeded")
	ErrRAMQuotaExceeded = errors.New("ram quota exceeded")
	ErrRegionConflict   = errors.New("region conflict")
	ErrInvalidDataspace = errors.New("invalid dataspace")
)
