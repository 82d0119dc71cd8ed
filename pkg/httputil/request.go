package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/commune/pkg/errs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a request DTO against its validate tags. Failures are
// reported as validation errors naming each offending field.
func Validate(dest interface{}) error {
	err := validate.Struct(dest)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Validation("invalid request: %v", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	return errs.Validation("invalid fields: %s", strings.Join(fields, ", "))
}

// ParseJSON decodes JSON from the request body into the destination and
// validates it. An empty body decodes to the zero value.
func ParseJSON(r *http.Request, dest interface{}) error {
	if r.Body != nil && r.Body != http.NoBody {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
			return errs.Validation("invalid JSON: %v", err)
		}
	}
	return Validate(dest)
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteError(w, r, err)
		return false
	}
	return true
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, errs.Validation("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, errs.Validation("invalid identifier for %s: %s", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes error on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteError(w, r, err)
		return 0, false
	}
	return val, true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", errs.Validation("missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, errs.Validation("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}
