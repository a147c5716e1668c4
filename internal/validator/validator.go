// Package validator provides struct validation for API payloads with the
// access review enum validators registered.
package validator

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/qualys/accessreview/internal/models"
)

// Validator wraps the go-playground validator with custom validations.
type Validator struct {
	validate *validator.Validate
}

// New creates a new Validator with custom validators registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names so API clients see what they sent.
	v.RegisterTagNameFunc(jsonName)

	_ = v.RegisterValidation("severity", validateSeverity)
	_ = v.RegisterValidation("decision", validateDecision)
	_ = v.RegisterValidation("review_status", validateReviewStatus)
	_ = v.RegisterValidation("finding_status", validateFindingStatus)
	_ = v.RegisterValidation("report_type", validateReportType)
	_ = v.RegisterValidation("report_format", validateReportFormat)
	_ = v.RegisterValidation("user_role", validateUserRole)

	return &Validator{validate: v}
}

// Validate validates a struct and returns a *models.ValidationError listing
// every failing field.
func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return err
	}

	result := &models.ValidationError{
		Message: "request validation failed",
		Fields:  make([]models.FieldError, 0, len(validationErrors)),
	}
	for _, e := range validationErrors {
		result.Fields = append(result.Fields, models.FieldError{
			Field:   fieldPath(e),
			Message: formatErrorMessage(e),
		})
	}
	return result
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// fieldPath drops the root struct name from the namespace, so nested fields
// read "checkCategories[0].name".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return e.Field()
}

func validateSeverity(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	return models.Severity(value).Valid()
}

func validateDecision(fl validator.FieldLevel) bool {
	switch models.Decision(fl.Field().String()) {
	case "", models.DecisionRemediate, models.DecisionException, models.DecisionDismiss:
		return true
	}
	return false
}

func validateReviewStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	for _, s := range models.AllReviewStatuses() {
		if string(s) == value {
			return true
		}
	}
	return false
}

func validateFindingStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	for _, s := range models.AllFindingStatuses() {
		if string(s) == value {
			return true
		}
	}
	return false
}

func validateReportType(fl validator.FieldLevel) bool {
	switch models.ReportType(fl.Field().String()) {
	case "", models.ReportTypeReviewSummary, models.ReportTypeFindingsDetail, models.ReportTypeSodConflicts,
		models.ReportTypeAttestation, models.ReportTypeAccessListing:
		return true
	}
	return false
}

func validateReportFormat(fl validator.FieldLevel) bool {
	switch models.ReportFormat(fl.Field().String()) {
	case "", models.ReportFormatCSV, models.ReportFormatPDF:
		return true
	}
	return false
}

func validateUserRole(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", models.RoleAdministrator, models.RoleISO, models.RoleAnalyst, models.RoleReviewer, models.RoleAuditor:
		return true
	}
	return false
}

// formatErrorMessage creates a human-readable error message.
func formatErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", e.Param())
		}
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", e.Param())
		}
		return fmt.Sprintf("must be at most %s", e.Param())
	case "email":
		return "must be a valid email address"
	case "severity":
		return fmt.Sprintf("must be one of: %s", join(models.AllSeverities()))
	case "decision":
		return "must be one of: REMEDIATE, EXCEPTION, DISMISS"
	case "review_status":
		return fmt.Sprintf("must be one of: %s", join(models.AllReviewStatuses()))
	case "finding_status":
		return fmt.Sprintf("must be one of: %s", join(models.AllFindingStatuses()))
	case "report_type":
		return "must be one of: REVIEW_SUMMARY, FINDINGS_DETAIL, SOD_CONFLICTS, ATTESTATION, ACCESS_LISTING"
	case "report_format":
		return "must be one of: CSV, PDF"
	case "user_role":
		return "must be one of: ADMINISTRATOR, ISO, ANALYST, REVIEWER, AUDITOR"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(e.Param(), " ", ", "))
	case "uuid":
		return "must be a valid UUID"
	case "dive":
		return "contains an invalid entry"
	default:
		return fmt.Sprintf("failed validation: %s", e.Tag())
	}
}

func join[T ~string](values []T) string {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = string(v)
	}
	return strings.Join(strs, ", ")
}
