package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Strob0t/ratekeeper/internal/domain"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("assessment_year", func(fl validator.FieldLevel) bool {
		return taxrate.ValidAssessmentYear(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// readJSON decodes a JSON request body with a size limit and validates it.
// An empty body decodes to the zero value when allowEmpty is set.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64, allowEmpty bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
			return v, false
		}
	}
	if err := validate.Struct(v); err != nil {
		writeValidationError(w, http.StatusBadRequest, "invalid request", err)
		return v, false
	}
	return v, true
}

// pathKind parses the {kind} URL parameter, writing 404 for unknown kinds.
func pathKind(w http.ResponseWriter, r *http.Request) (taxrate.Kind, bool) {
	kind, err := taxrate.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown parameter kind")
		return "", false
	}
	return kind, true
}

// checkScope rejects a malformed assessment year for scoped kinds. Global
// kinds ignore the scope.
func checkScope(w http.ResponseWriter, kind taxrate.Kind, scope string) bool {
	if !kind.Scoped() {
		return true
	}
	if err := validate.Var(scope, "omitempty,assessment_year"); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("scope %q is not an assessment year like 2025-26", scope))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error      string            `json:"error"`
	Violations []taxrate.Problem `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeValidationError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Violations = append(resp.Violations, taxrate.Problem{
				Field:   fe.Field(),
				Message: describeTag(fe),
			})
		}
	}
	writeJSON(w, status, resp)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "assessment_year":
		return "must be an assessment year like 2025-26"
	default:
		return "failed " + fe.Tag()
	}
}

// writeDomainError maps resolver errors onto status codes. Anything not
// recognised comes from a backing store the service could not reach.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	var verr *taxrate.ValidationError
	switch {
	case errors.Is(err, service.ErrInvalidOverride) && errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      "payload failed validation",
			Violations: verr.Problems,
		})
	case errors.Is(err, taxrate.ErrUnknownKind):
		writeError(w, http.StatusNotFound, "unknown parameter kind")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("parameter store request failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "parameter store unavailable")
	}
}
