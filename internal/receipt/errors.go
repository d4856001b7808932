package receipt

import "errors"

var (
	ErrNotFound        = errors.New("receipt: not found")
	ErrValidation      = errors.New("receipt: validation failed")
	ErrParentNotFound  = errors.New("receipt: parent not found")
	ErrIllegalTerminator = errors.New("receipt: illegal terminator type for parent")
)
