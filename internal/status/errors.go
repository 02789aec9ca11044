package status

import "errors"

var (
	// ErrNotFound means the site has no import status, i.e. no active job.
	ErrNotFound = errors.New("import was cancelled")
	// ErrConflict is returned when starting an import while another one is not finished.
	ErrConflict = errors.New("cancel existing import first")
	// ErrInvalidRange is returned when a range starts after it ends.
	ErrInvalidRange = errors.New("the start date cannot be past the end date")
	// ErrAlreadyFinished is returned when resuming a finished import.
	ErrAlreadyFinished = errors.New("this import cannot be resumed since it is finished")
)
