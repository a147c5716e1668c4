// Package identity links imported application accounts to HR roster employees.
package identity

import (
	"strings"

	"github.com/qualys/accessreview/internal/models"
)

// Index is a case-insensitive lookup of employees by email and by HR
// employee id. Build it once per import and reuse it for every record.
type Index struct {
	byEmail      map[string]*models.Employee
	byEmployeeID map[string]*models.Employee
}

// NewIndex indexes employees. On duplicate keys the first employee wins.
func NewIndex(employees []models.Employee) *Index {
	idx := &Index{
		byEmail:      make(map[string]*models.Employee, len(employees)),
		byEmployeeID: make(map[string]*models.Employee, len(employees)),
	}

	for i := range employees {
		emp := &employees[i]
		if key := normalize(emp.Email); key != "" {
			if _, exists := idx.byEmail[key]; !exists {
				idx.byEmail[key] = emp
			}
		}
		if key := normalize(emp.EmployeeID); key != "" {
			if _, exists := idx.byEmployeeID[key]; !exists {
				idx.byEmployeeID[key] = emp
			}
		}
	}

	return idx
}

// Match resolves an account to an employee. The email is tried first, then
// the username against employee ids. No fuzzy matching is attempted.
func (i *Index) Match(email, username string) (*models.Employee, bool) {
	if key := normalize(email); key != "" {
		if emp, ok := i.byEmail[key]; ok {
			return emp, true
		}
	}
	if key := normalize(username); key != "" {
		if emp, ok := i.byEmployeeID[key]; ok {
			return emp, true
		}
	}
	return nil, false
}

// Len returns the number of employees indexed by employee id.
func (i *Index) Len() int {
	return len(i.byEmployeeID)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
