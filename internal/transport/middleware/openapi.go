package middleware

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	errors "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/transport"
)

// OpenAPIValidator checks requests against the API document before they reach
// a handler. Routes the document does not describe pass through untouched.
type OpenAPIValidator struct {
	*transport.BaseHandler
	router routers.Router
}

func NewOpenAPIValidator(spec []byte, logger *slog.Logger) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}

	return &OpenAPIValidator{
		BaseHandler: transport.NewBaseHandler(logger),
		router:      router,
	}, nil
}

func (v *OpenAPIValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.HandleError(w, toValidationError(err))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func toValidationError(err error) *errors.AppError {
	var reqErr *openapi3filter.RequestError
	if !stderrors.As(err, &reqErr) {
		return errors.NewValidationError("request does not match the API contract", errors.ErrCodeValidationFailed).WithCause(err)
	}

	field := "body"
	if reqErr.Parameter != nil {
		field = reqErr.Parameter.Name
	}
	message := reqErr.Reason

	var schemaErr *openapi3.SchemaError
	if stderrors.As(reqErr.Err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			field = strings.Join(ptr, ".")
		}
		message = schemaErr.Reason
	}
	if message == "" {
		message = reqErr.Error()
	}

	return errors.NewValidationFieldError(field, message, errors.ErrCodeValidationFailed)
}
