package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/sandchest/sandchest/internal/apierr"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierr.Write(w, requestIDFrom(r), err)
}

// decodeAndValidate reads and validates a JSON request body into dst,
// returning an *apierr.Error with Kind validation_error on either a
// malformed body or a struct-tag violation.
func decodeAndValidate(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.Wrap(apierr.KindValidation, "malformed request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return apierr.Wrap(apierr.KindValidation, err.Error(), err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "true"
}
