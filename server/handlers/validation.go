package handlers

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/san-kum/stroke-risk/server/models"
)

var registerOnce sync.Once

// registerJSONFieldNames makes validation errors report JSON field names
// ("avg_glucose_level") instead of Go ones ("AvgGlucoseLevel").
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// decodeRequest turns a raw JSON object into a RawInput, running the same
// binding rules as ShouldBindJSON.
func decodeRequest(data []byte) (models.RawInput, error) {
	var req models.PredictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return models.RawInput{}, err
	}
	return toRawInput(&req)
}

func toRawInput(req *models.PredictRequest) (models.RawInput, error) {
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return models.RawInput{}, err
	}
	return req.ToRawInput()
}

func validationDetails(err error) []models.ValidationError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]models.ValidationError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, models.ValidationError{Field: fe.Field(), Message: describe(fe)})
		}
		return out
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return []models.ValidationError{{Field: typeErr.Field, Message: "must be of type " + typeErr.Type.String()}}
	}

	if errors.Is(err, models.ErrMissingBMI) {
		return []models.ValidationError{{Field: "bmi", Message: err.Error()}}
	}

	return []models.ValidationError{{Field: "body", Message: err.Error()}}
}

// missingFields lists the fields a partially filled form still lacks.
func missingFields(err error) []string {
	var fields []string
	for _, d := range validationDetails(err) {
		fields = append(fields, d.Field)
	}
	return fields
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " items"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// validationErrorResponse is the shape returned with HTTP 422.
func validationErrorResponse(err error) map[string]any {
	return map[string]any{
		"error":   "Invalid request",
		"details": validationDetails(err),
	}
}
