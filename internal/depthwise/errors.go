package depthwise

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrShape           = errors.New("shape")
	ErrQuantization    = errors.New("quantization")
	ErrCapacity        = errors.New("capacity")
	ErrUnsupportedType = errors.New("unsupported_type")
)

type opError struct {
	kind error
	msg  string
}

func (e opError) Error() string {
	return "depthwise: " + e.msg
}

func (e opError) Unwrap() error {
	return e.kind
}

func shapeErrorf(format string, args ...any) error {
	return opError{kind: ErrShape, msg: fmt.Sprintf(format, args...)}
}

func quantErrorf(format string, args ...any) error {
	return opError{kind: ErrQuantization, msg: fmt.Sprintf(format, args...)}
}

func capacityErrorf(format string, args ...any) error {
	return opError{kind: ErrCapacity, msg: fmt.Sprintf(format, args...)}
}

func typeErrorf(format string, args ...any) error {
	return opError{kind: ErrUnsupportedType, msg: fmt.Sprintf(format, args...)}
}
