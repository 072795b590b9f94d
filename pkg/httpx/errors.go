package httpx

import (
	"net/http"
	"strconv"

	"github.com/futuesigndev/fsapi/pkg/apperr"
)

// WriteAppError renders any error as the structured error envelope. Rate
// limit rejections additionally carry a Retry-After header so well-behaved
// clients can back off without parsing the body.
func WriteAppError(w http.ResponseWriter, err error) {
	appErr := apperr.From(err)
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	WriteJSON(w, appErr.HTTPStatus(), map[string]any{"error": appErr})
}
