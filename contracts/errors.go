package contracts

import "errors"

// ErrInvalidDescriptor is returned when a descriptor fails validation
var ErrInvalidDescriptor = errors.New("contracts: invalid descriptor")
