// Package profile scores how completely an application profile is filled in.
package profile

import (
	"strings"

	"github.com/qualys/accessreview/internal/models"
)

type field struct {
	name   string
	weight int
	filled func(app *models.Application) bool
}

func text(get func(app *models.Application) string) func(app *models.Application) bool {
	return func(app *models.Application) bool {
		return strings.TrimSpace(get(app)) != ""
	}
}

// Weights sum to 100.
var fields = []field{
	{"name", 10, text(func(a *models.Application) string { return a.Name })},
	{"description", 10, text(func(a *models.Application) string { return a.Description })},
	{"vendor", 10, text(func(a *models.Application) string { return a.Vendor })},
	{"systemOwner", 10, text(func(a *models.Application) string { return a.SystemOwner })},
	{"businessUnit", 10, text(func(a *models.Application) string { return a.BusinessUnit })},
	{"purpose", 15, text(func(a *models.Application) string { return a.Purpose })},
	{"typicalUsers", 10, text(func(a *models.Application) string { return a.TypicalUsers })},
	{"sensitiveFunctions", 10, text(func(a *models.Application) string { return a.SensitiveFunctions })},
	{"accessRequestProcess", 5, text(func(a *models.Application) string { return a.AccessRequestProcess })},
	{"frameworkId", 10, func(a *models.Application) bool { return a.FrameworkID != nil }},
}

// Score returns the completeness percentage, 0 to 100.
func Score(app *models.Application) int {
	if app == nil {
		return 0
	}
	total := 0
	for _, f := range fields {
		if f.filled(app) {
			total += f.weight
		}
	}
	return total
}

// Missing maps each unfilled field to the weight it would add.
func Missing(app *models.Application) map[string]int {
	missing := make(map[string]int)
	for _, f := range fields {
		if app == nil || !f.filled(app) {
			missing[f.name] = f.weight
		}
	}
	return missing
}
