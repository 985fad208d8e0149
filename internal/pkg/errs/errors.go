package errs

import "net/http"

//APIError returns an HTTP status code and an API-safe error message.
type APIError interface {
	APIError() (int, string)
}

//SentinelAPIError is a reusable error value that maps to a fixed HTTP status.
type SentinelAPIError struct {
	Status int
	Msg    string
}

func (e SentinelAPIError) Error() string {
	return e.Msg
}

func (e SentinelAPIError) APIError() (int, string) {
	return e.Status, e.Msg
}

var (
	//ErrDeviceNotFound is returned when no device matches the given EUI
	ErrDeviceNotFound = &SentinelAPIError{Status: http.StatusNotFound, Msg: "device not found"}
	//ErrFarmNotFound is returned when a farm reference cannot be resolved
	ErrFarmNotFound = &SentinelAPIError{Status: http.StatusNotFound, Msg: "farm not found"}
	//ErrAlertNotFound is returned when acknowledging an alert that does not exist
	ErrAlertNotFound = &SentinelAPIError{Status: http.StatusNotFound, Msg: "alert not found"}
	//ErrDeviceAlreadyRegistered is returned on registration with a duplicate EUI
	ErrDeviceAlreadyRegistered = &SentinelAPIError{Status: http.StatusConflict, Msg: "device eui already registered"}
	//ErrStorageUnavailable is returned when the underlying store cannot serve the request
	ErrStorageUnavailable = &SentinelAPIError{Status: http.StatusServiceUnavailable, Msg: "storage unavailable"}
	//ErrInvalidReading is returned when an incoming measurement fails validation
	ErrInvalidReading = &SentinelAPIError{Status: http.StatusBadRequest, Msg: "invalid reading"}
	//ErrInvalidSeason is returned when a season request carries an unknown cultivation type
	ErrInvalidSeason = &SentinelAPIError{Status: http.StatusBadRequest, Msg: "invalid season"}
	//ErrBadRequest is returned when a request body or parameter cannot be parsed
	ErrBadRequest = &SentinelAPIError{Status: http.StatusBadRequest, Msg: "bad request"}
)

type sentinelWrappedError struct {
	error
	sentinel *SentinelAPIError
}

func (e sentinelWrappedError) Is(err error) bool {
	return e.sentinel == err
}

func (e sentinelWrappedError) APIError() (int, string) {
	return e.sentinel.APIError()
}

//WrapError attaches a sentinel to an underlying cause so that callers can
//match on the sentinel with errors.Is while the cause stays available.
func WrapError(err error, sentinel *SentinelAPIError) error {
	return sentinelWrappedError{error: err, sentinel: sentinel}
}
