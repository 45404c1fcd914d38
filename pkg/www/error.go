package www

import (
	"fmt"
	"net/http"
)

// HTTPError can be panic'ed from inside a handler; the outer RunProtected
// wrapper turns it into the appropriate HTTP response.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

func Error(code int, message string) HTTPError {
	return HTTPError{code, message}
}

func Panic(code int, message string) {
	panic(HTTPError{code, message})
}

func PanicBadRequestf(format string, args ...interface{}) {
	panic(HTTPError{http.StatusBadRequest, fmt.Sprintf(format, args...)})
}

func PanicNotFound() {
	panic(HTTPError{http.StatusNotFound, "Not Found"})
}

func PanicServerErrorf(format string, args ...interface{}) {
	panic(HTTPError{http.StatusInternalServerError, fmt.Sprintf(format, args...)})
}

// Check causes a panic if err is not nil.
func Check(err error) {
	if err != nil {
		panic(err)
	}
}

// CheckClient panics with a 400 Bad Request if err is not nil.
func CheckClient(err error) {
	if err != nil {
		PanicBadRequestf("%v", err)
	}
}
