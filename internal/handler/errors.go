package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/pesio-ai/be-pc-approvals/internal/errors"
	"github.com/pesio-ai/be-pc-approvals/internal/middleware"
)

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	problem := problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(r.URL.Path).
		WithType("validation_error").
		WithDetail(detail)
	middleware.WriteProblem(w, problem)
}

// writeServiceError maps a coded service error onto a problem response.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path)

	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		problem = problem.WithType("validation_error").WithDetail(err.Error())
	case errors.ErrCodeNotFound:
		problem = problem.WithType("not_found").WithDetail(err.Error())
	case errors.ErrCodeConflict:
		problem = problem.WithType("conflict").WithDetail(err.Error())
	case errors.ErrCodeUnauthorized:
		problem = problem.WithType("forbidden").WithDetail(err.Error())
	default:
		problem = problem.WithType("internal_error").WithError(err)
	}
	middleware.WriteProblem(w, problem)
}

// validationDetail flattens validator errors into "field: rule" pairs.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}
