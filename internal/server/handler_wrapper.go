package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	apierrors "github.com/maruel/jsonserver/internal/errors"
)

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, In) (*Out, error).
//
// In is filled from the request:
//   - fields tagged `path:"name"` from path wildcards (string, or a positive int64),
//   - fields tagged `query:"name"` from query parameters (string, bool, int),
//   - a map[string]string field tagged `query:"*"` with every query parameter
//     not claimed by another field,
//   - a field tagged `body:"json"` from the JSON body; without one the body is
//     decoded into In itself, rejecting unknown fields.
//
// Example:
//
//	type GetRowRequest struct {
//	    Table string `path:"table"`
//	    ID    int64  `path:"id"`
//	}
//
//	func (h *TableHandler) GetRow(ctx context.Context, req GetRowRequest) (*models.Row, error)
//
// When *Out implements StatusCoder, its status replaces 200.
func Wrap[In any, Out any](fn func(context.Context, In) (*Out, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(r.Body)
		if err2 := r.Body.Close(); err == nil {
			err = err2
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, apierrors.NewAPIError(http.StatusRequestEntityTooLarge, apierrors.ErrValidationFailed, "request body too large"))
				return
			}
			slog.ErrorContext(ctx, "Failed to read request body", "err", err)
			WriteError(w, r, apierrors.BadRequest("failed to read request body"))
			return
		}
		var input In
		if err := decodeBody(body, &input); err != nil {
			slog.DebugContext(ctx, "Failed to decode request body", "err", err)
			WriteError(w, r, apierrors.BadRequest("invalid request body").Wrap(err))
			return
		}
		if err := populatePathParams(r, &input); err != nil {
			WriteError(w, r, err)
			return
		}
		populateQueryParams(r, &input)

		output, err := fn(ctx, input)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		status := http.StatusOK
		if sc, ok := any(output).(StatusCoder); ok {
			status = sc.StatusCode()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(output); err != nil {
			slog.ErrorContext(ctx, "Failed to encode response", "err", err)
		}
	})
}

// StatusCoder is implemented by responses that are not 200 OK.
type StatusCoder interface {
	StatusCode() int
}

// WriteError writes err as a JSON error response. Errors that don't carry a
// status are reported as 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	statusCode := http.StatusInternalServerError
	errorCode := apierrors.ErrInternal
	var details map[string]any
	var ewsErr apierrors.ErrorWithStatus
	if errors.As(err, &ewsErr) {
		statusCode = ewsErr.StatusCode()
		errorCode = ewsErr.Code()
		details = ewsErr.Details()
	}
	if statusCode >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
	} else {
		slog.DebugContext(ctx, "Handler error", "err", err, "statusCode", statusCode, "code", errorCode)
	}
	writeErrorResponseWithCode(w, statusCode, errorCode, err.Error(), details)
}

// decodeBody decodes body into the `body:"json"` field of input if there is
// one, else into input itself.
func decodeBody(body []byte, input any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	target := input
	elem := reflect.ValueOf(input).Elem()
	strict := true
	if elem.Kind() == reflect.Struct {
		typ := elem.Type()
		for i := range typ.NumField() {
			if typ.Field(i).Tag.Get("body") == "json" {
				target = elem.Field(i).Addr().Interface()
				strict = false
				break
			}
		}
	}
	d := json.NewDecoder(bytes.NewReader(body))
	if strict {
		d.DisallowUnknownFields()
	}
	if err := d.Decode(target); err != nil {
		return err
	}
	if d.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) error {
	elem := reflect.ValueOf(input).Elem()
	if elem.Kind() != reflect.Struct {
		return nil
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}
		//nolint:exhaustive // Only string and int64 path parameters are used.
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int64:
			v, err := strconv.ParseInt(paramValue, 10, 64)
			if err != nil || v <= 0 {
				return apierrors.InvalidFormat(tag, paramValue)
			}
			elem.Field(i).SetInt(v)
		default:
		}
	}
	return nil
}

// populateQueryParams extracts query parameters from the request and populates
// struct fields tagged with `query:"paramName"` or `query:"*"`.
func populateQueryParams(r *http.Request, input any) {
	elem := reflect.ValueOf(input).Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	query := r.URL.Query()
	typ := elem.Type()
	claimed := map[string]bool{}
	rest := -1
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		if tag == "*" {
			rest = i
			continue
		}
		claimed[tag] = true
		paramValue := query.Get(tag)
		if paramValue == "" {
			continue
		}
		//nolint:exhaustive // Only string, bool and int are supported for query params
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Bool:
			if b, err := strconv.ParseBool(paramValue); err == nil {
				elem.Field(i).SetBool(b)
			}
		case reflect.Int:
			if intVal, err := strconv.Atoi(paramValue); err == nil {
				elem.Field(i).SetInt(int64(intVal))
			}
		default:
		}
	}
	if rest < 0 || elem.Field(rest).Kind() != reflect.Map {
		return
	}
	m := map[string]string{}
	for k, v := range query {
		if !claimed[k] && len(v) > 0 {
			m[k] = v[0]
		}
	}
	if len(m) > 0 {
		elem.Field(rest).Set(reflect.ValueOf(m))
	}
}

// writeErrorResponseWithCode writes a detailed error response as JSON with code and details.
func writeErrorResponseWithCode(w http.ResponseWriter, statusCode int, code apierrors.ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}

	if len(details) > 0 {
		response["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}
