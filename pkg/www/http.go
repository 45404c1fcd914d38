// Package www holds the small HTTP helpers shared by all API handlers:
// a panic-based error mechanism, JSON senders, and query parsing.
package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/centinelacam/centinela/pkg/log"
	"github.com/julienschmidt/httprouter"
)

// RunProtected runs handler inside a recover that understands HTTPError,
// so handlers can panic their way out of bad requests.
func RunProtected(logger log.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		if rec := recover(); rec != nil {
			switch err := rec.(type) {
			case HTTPError:
				logger.Infof("Failed request %v: %v %v", r.URL.Path, err.Code, err.Message)
				SendError(w, err.Message, err.Code)
			case runtime.Error:
				logger.Errorf("Runtime panic in %v: %v\n%v", r.URL.Path, err, string(debug.Stack()))
				SendError(w, err.Error(), http.StatusInternalServerError)
			case error:
				logger.Errorf("Panic in %v: %v", r.URL.Path, err)
				SendError(w, err.Error(), http.StatusInternalServerError)
			default:
				logger.Errorf("Unrecognized panic in %v: %v", r.URL.Path, rec)
				SendError(w, "Internal server error", http.StatusInternalServerError)
			}
		}
	}()
	handler()
}

// Handle registers a route that runs inside RunProtected.
func Handle(logger log.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		RunProtected(logger, w, r, func() { handle(w, r, p) })
	})
}

// ParseID parses a 64-bit integer, and returns zero on failure.
func ParseID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// QueryValue returns the named query value, or an empty string.
func QueryValue(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// QueryInt returns the named query value as an int, or zero.
func QueryInt(r *http.Request, key string) int {
	i, _ := strconv.Atoi(r.URL.Query().Get(key))
	return i
}

// RequiredQueryValue panics with a 400 if the value is empty or missing.
func RequiredQueryValue(r *http.Request, key string) string {
	v := QueryValue(r, key)
	if v == "" {
		PanicBadRequestf("Must specify %v", key)
	}
	return v
}

// ReadJSON decodes the request body into obj, with a size limit.
func ReadJSON(w http.ResponseWriter, r *http.Request, obj interface{}, maxBodyBytes int64) {
	if r.Body == nil {
		Panic(http.StatusBadRequest, "Request body is empty")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(obj); err != nil {
		Panic(http.StatusBadRequest, "Failed to decode JSON: "+err.Error())
	}
}

// SendError is http.Error without the trailing newline.
func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(message))
}

// SendJSON encodes obj and sends it as application/json.
func SendJSON(w http.ResponseWriter, obj interface{}) {
	b, err := json.Marshal(obj)
	Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// SendJSONID sends the ID as {"id":<value>}
func SendJSONID(w http.ResponseWriter, id int64) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":%v}`, id)
}

// SendOK sends "OK" as a text/plain response.
func SendOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// SendFile sends a file as direct content. http.ServeFile implements range
// requests, which <video> playback needs.
func SendFile(w http.ResponseWriter, r *http.Request, filename string) {
	http.ServeFile(w, r, filename)
}

// SendFileDownload sends content as an attachment.
func SendFileDownload(w http.ResponseWriter, filename, contentType string, content []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%v"`, filename))
	w.Write(content)
}

// CacheNever instructs the client not to cache the response.
func CacheNever(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "max-age=0")
}
