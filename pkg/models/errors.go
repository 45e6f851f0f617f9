package models

import "errors"

// ErrProfileNotFound is returned by profile stores for unknown user ids
var ErrProfileNotFound = errors.New("profile not found")
