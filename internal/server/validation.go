package server

import (
	"net/http"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/TobiSchelling/RegNumbers/internal/pipeline"
)

type reportRequest struct {
	RIS      string `json:"ris" validate:"required,alphanum,max=16"`
	FromDate string `json:"fromDate" validate:"required,datetime=2006-01-02"`
	ToDate   string `json:"toDate" validate:"required,datetime=2006-01-02"`
}

// newValidator returns a validator that also checks a report request's date
// order and length.
func newValidator(loc *time.Location, maxDays int) *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(func(sl validatorv10.StructLevel) {
		req := sl.Current().Interface().(reportRequest)
		from, err := pipeline.ParseDate(req.FromDate, loc)
		if err != nil {
			return
		}
		to, err := pipeline.ParseDate(req.ToDate, loc)
		if err != nil {
			return
		}
		if to.Before(from) {
			sl.ReportError(req.ToDate, "toDate", "ToDate", "gtefield", "FromDate")
			return
		}
		if maxDays > 0 && pipeline.DaysInRange(from, to) > maxDays {
			sl.ReportError(req.ToDate, "toDate", "ToDate", "max_range", "")
		}
	}, reportRequest{})
	return v
}

// bindAndValidate binds the JSON body into out and runs validation. When ok is
// false a 400 response has been written and err is the result of that write.
func bindAndValidate(c echo.Context, out any, v *validatorv10.Validate) (ok bool, err error) {
	if err := c.Bind(out); err != nil {
		return false, c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid_request_body",
			"msg":   err.Error(),
		})
	}

	if err := v.Struct(out); err != nil {
		return false, c.JSON(http.StatusBadRequest, map[string]any{
			"error":  "validation_failed",
			"fields": validationErrorsToMap(err),
		})
	}
	return true, nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
