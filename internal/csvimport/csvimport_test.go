package csvimport

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

func TestParseAccess(t *testing.T) {
	input := "\ufeffUser Name,Email,Roles,Last Login,Grant Date,Cost Center\n" +
		"jdoe,jdoe@co.com,\"Wire Initiator;Wire Approver\",2025-01-01,2024-03-01,CC-100\n" +
		"\n" +
		"bsmith,,Viewer|Reporter,,,\n"

	records, err := New().ParseAccess(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "jdoe", records[0].Username)
	assert.Equal(t, "jdoe@co.com", records[0].Email)
	assert.Equal(t, []string{"Wire Initiator", "Wire Approver"}, records[0].Roles)
	assert.Equal(t, "2025-01-01", records[0].LastLoginAt)
	assert.Equal(t, "2024-03-01", records[0].GrantDate)
	assert.Equal(t, models.JSONB{
		"User Name":   "jdoe",
		"Email":       "jdoe@co.com",
		"Roles":       "Wire Initiator;Wire Approver",
		"Last Login":  "2025-01-01",
		"Grant Date":  "2024-03-01",
		"Cost Center": "CC-100",
	}, records[0].Raw)

	assert.Equal(t, []string{"Viewer", "Reporter"}, records[1].Roles)
	assert.Empty(t, records[1].Email)
	assert.Equal(t, "bsmith", records[1].Raw["User Name"])
	assert.Equal(t, "", records[1].Raw["Cost Center"])
}

func TestParseAccess_MissingUsername(t *testing.T) {
	_, err := New().ParseAccess(strings.NewReader("email,roles\na@co.com,Viewer\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingColumn))
}

func TestParseAccess_Empty(t *testing.T) {
	_, err := New().ParseAccess(strings.NewReader(""))
	assert.Error(t, err)
}

func TestParseAccess_Semicolon(t *testing.T) {
	p := &Parser{Comma: ';'}
	records, err := p.ParseAccess(strings.NewReader("login;groups\njdoe;Admins|Users\n"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"Admins", "Users"}, records[0].Roles)
}

func TestSplitRoles(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"Viewer", []string{"Viewer"}},
		{" A ; B ;; C ", []string{"A", "B", "C"}},
		{"A|B,C", []string{"A", "B", "C"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitRoles(tt.in), tt.in)
	}
}

func TestParseEmployees(t *testing.T) {
	input := "employee_id,email,first_name,last_name,status,termination_date,hire_date\n" +
		"E100,jdoe@co.com,Jane,Doe,Active,,2020-02-01\n" +
		"E200,bsmith@co.com,Bob,Smith,terminated,2025-03-31,not-a-date\n" +
		"E300,,Cat,Contract,temp,,\n"

	employees, err := New().ParseEmployees(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, employees, 3)

	assert.Equal(t, "E100", employees[0].EmployeeID)
	assert.Equal(t, models.EmploymentActive, employees[0].EmploymentStatus)
	require.NotNil(t, employees[0].HireDate)
	assert.Equal(t, 2020, employees[0].HireDate.Year())

	assert.Equal(t, models.EmploymentTerminated, employees[1].EmploymentStatus)
	require.NotNil(t, employees[1].TerminationDate)
	assert.Nil(t, employees[1].HireDate)

	assert.Equal(t, models.EmploymentUnknown, employees[2].EmploymentStatus)
}

func TestParseEmployees_MissingID(t *testing.T) {
	_, err := New().ParseEmployees(strings.NewReader("email\na@co.com\n"))
	assert.True(t, errors.Is(err, ErrMissingColumn))
}
