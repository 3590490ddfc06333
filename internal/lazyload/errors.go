package lazyload

import "errors"

// tensorUnavailableError signals that a lazy handle could not resolve its
// storage. Fatal; surfaces at first use rather than at load start.
type tensorUnavailableError struct{ msg string }

func (e tensorUnavailableError) Error() string { return "tensor unavailable: " + e.msg }

// ErrTensorUnavailable constructs a tensorUnavailableError.
func ErrTensorUnavailable(msg string) error { return tensorUnavailableError{msg: msg} }

// IsTensorUnavailable reports whether err indicates a failed handle
// resolution.
func IsTensorUnavailable(err error) bool {
	var e tensorUnavailableError
	return errors.As(err, &e)
}
