package checkpoint

import "errors"

// unavailableError signals that a required weight file or shard could not be
// fetched after exhausting fallbacks. Fatal; aborts the load.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return "checkpoint unavailable: " + e.msg }

// ErrUnavailable constructs an unavailableError.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates an unfetchable checkpoint.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

// filesystemError signals a relocation/move/copy failure. Fatal.
type filesystemError struct{ msg string }

func (e filesystemError) Error() string { return "filesystem: " + e.msg }

// ErrFilesystem constructs a filesystemError.
func ErrFilesystem(msg string) error { return filesystemError{msg: msg} }

// IsFilesystem reports whether err indicates a filesystem failure during
// checkpoint resolution.
func IsFilesystem(err error) bool {
	var e filesystemError
	return errors.As(err, &e)
}
