package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
)

func roster() []models.Employee {
	return []models.Employee{
		{ID: uuid.New(), EmployeeID: "E100", Email: "Jane.Doe@bank.com", FirstName: "Jane", LastName: "Doe"},
		{ID: uuid.New(), EmployeeID: "jsmith", Email: "john.smith@bank.com", FirstName: "John", LastName: "Smith"},
		{ID: uuid.New(), EmployeeID: "E300", Email: "", FirstName: "No", LastName: "Email"},
	}
}

func TestIndex_Match(t *testing.T) {
	employees := roster()
	idx := NewIndex(employees)

	tests := []struct {
		name     string
		email    string
		username string
		wantID   string
		wantOK   bool
	}{
		{"email exact", "Jane.Doe@bank.com", "", "E100", true},
		{"email case-insensitive", "JANE.DOE@BANK.COM", "whatever", "E100", true},
		{"email with whitespace", "  jane.doe@bank.com ", "", "E100", true},
		{"username as employee id", "", "JSMITH", "jsmith", true},
		{"employee id without email", "", "e300", "E300", true},
		{"email wins over username", "jane.doe@bank.com", "jsmith", "E100", true},
		{"unknown email falls back to username", "nobody@bank.com", "jsmith", "jsmith", true},
		{"no match", "nobody@bank.com", "ghost", "", false},
		{"empty inputs", "", "", "", false},
		{"username is not matched against email", "", "john.smith@bank.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emp, ok := idx.Match(tt.email, tt.username)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.NotNil(t, emp)
				assert.Equal(t, tt.wantID, emp.EmployeeID)
			} else {
				assert.Nil(t, emp)
			}
		})
	}
}

func TestIndex_DuplicateKeysKeepFirst(t *testing.T) {
	employees := []models.Employee{
		{EmployeeID: "A1", Email: "shared@bank.com"},
		{EmployeeID: "A2", Email: "SHARED@bank.com"},
	}
	idx := NewIndex(employees)

	emp, ok := idx.Match("shared@bank.com", "")
	require.True(t, ok)
	assert.Equal(t, "A1", emp.EmployeeID)
}

func TestIndex_EmptyRoster(t *testing.T) {
	idx := NewIndex(nil)
	_, ok := idx.Match("a@b.com", "a")
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Len())
}
