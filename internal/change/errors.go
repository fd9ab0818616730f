package change

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownKind   = errors.New("unknown change kind")
	ErrInvalidChange = errors.New("invalid change")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrClaimed       = errors.New("change is claimed by a worker")
)

// PermanentError marks an error that should NOT be retried.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}
