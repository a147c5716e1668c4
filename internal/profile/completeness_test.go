package profile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/qualys/accessreview/internal/models"
)

func fullApplication() *models.Application {
	fw := uuid.New()
	return &models.Application{
		Name:                 "Core Banking",
		Description:          "General ledger and deposits",
		Vendor:               "FIS",
		SystemOwner:          "ops@bank.com",
		BusinessUnit:         "Retail",
		Purpose:              "Account servicing",
		TypicalUsers:         "Tellers",
		SensitiveFunctions:   "Wire release",
		AccessRequestProcess: "ServiceNow",
		FrameworkID:          &fw,
	}
}

func TestWeightsSumTo100(t *testing.T) {
	sum := 0
	for _, f := range fields {
		sum += f.weight
	}
	assert.Equal(t, 100, sum)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *models.Application)
		want   int
	}{
		{"complete", func(a *models.Application) {}, 100},
		{"no framework", func(a *models.Application) { a.FrameworkID = nil }, 90},
		{"blank purpose", func(a *models.Application) { a.Purpose = "   " }, 85},
		{"no access process", func(a *models.Application) { a.AccessRequestProcess = "" }, 95},
		{"name only", func(a *models.Application) {
			*a = models.Application{Name: "X"}
		}, 10},
		{"empty", func(a *models.Application) { *a = models.Application{} }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fullApplication()
			tt.mutate(app)
			got := Score(app)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestScore_Nil(t *testing.T) {
	assert.Equal(t, 0, Score(nil))
}

func TestMissing(t *testing.T) {
	app := fullApplication()
	app.Vendor = ""
	app.FrameworkID = nil

	assert.Equal(t, map[string]int{"vendor": 10, "frameworkId": 10}, Missing(app))
	assert.Empty(t, Missing(fullApplication()))
}
