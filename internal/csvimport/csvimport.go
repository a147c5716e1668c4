// Package csvimport parses access snapshot and HR roster CSV files into the
// records consumed by the review and catalog services.
package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/qualys/accessreview/internal/models"
)

var ErrMissingColumn = errors.New("required column missing")

// accessColumns maps accepted header spellings to canonical column names.
var accessColumns = map[string]string{
	"username":        "username",
	"user":            "username",
	"user_name":       "username",
	"login":           "username",
	"account":         "username",
	"email":           "email",
	"email_address":   "email",
	"mail":            "email",
	"display_name":    "displayName",
	"displayname":     "displayName",
	"name":            "displayName",
	"full_name":       "displayName",
	"roles":           "roles",
	"role":            "roles",
	"entitlements":    "roles",
	"groups":          "roles",
	"last_login":      "lastLoginAt",
	"last_login_at":   "lastLoginAt",
	"lastlogin":       "lastLoginAt",
	"last_logon":      "lastLoginAt",
	"grant_date":      "grantDate",
	"granted":         "grantDate",
	"granted_at":      "grantDate",
	"access_granted":  "grantDate",
	"provisioned_at":  "grantDate",
	"provisioned_on":  "grantDate",
	"assignment_date": "grantDate",
}

var employeeColumns = map[string]string{
	"employee_id":       "employeeId",
	"employeeid":        "employeeId",
	"id":                "employeeId",
	"email":             "email",
	"email_address":     "email",
	"first_name":        "firstName",
	"firstname":         "firstName",
	"last_name":         "lastName",
	"lastname":          "lastName",
	"department":        "department",
	"job_title":         "jobTitle",
	"title":             "jobTitle",
	"manager":           "manager",
	"hire_date":         "hireDate",
	"status":            "employmentStatus",
	"employment_status": "employmentStatus",
	"termination_date":  "terminationDate",
	"terminated_on":     "terminationDate",
}

// Parser reads CSV with a configurable delimiter.
type Parser struct {
	Comma rune
}

func New() *Parser {
	return &Parser{Comma: ','}
}

// ParseAccess reads an access snapshot. The username column is required and
// every other column is optional. Raw carries the whole row under its
// original headers, unknown columns included.
// Roles are split on ';', '|' or ','.
func (p *Parser) ParseAccess(r io.Reader) ([]models.ImportRecord, error) {
	header, rows, err := p.read(r, accessColumns)
	if err != nil {
		return nil, err
	}
	if _, ok := header["username"]; !ok {
		return nil, fmt.Errorf("%w: username", ErrMissingColumn)
	}

	records := make([]models.ImportRecord, 0, len(rows))
	for _, row := range rows {
		rec := models.ImportRecord{
			Username:    row.get(header, "username"),
			Email:       row.get(header, "email"),
			DisplayName: row.get(header, "displayName"),
			Roles:       SplitRoles(row.get(header, "roles")),
			LastLoginAt: row.get(header, "lastLoginAt"),
			GrantDate:   row.get(header, "grantDate"),
			Raw:         row.original(),
		}
		records = append(records, rec)
	}
	return records, nil
}

// ParseEmployees reads an HR roster. Unparseable dates are left empty and
// unknown statuses become UNKNOWN.
func (p *Parser) ParseEmployees(r io.Reader) ([]models.Employee, error) {
	header, rows, err := p.read(r, employeeColumns)
	if err != nil {
		return nil, err
	}
	if _, ok := header["employeeId"]; !ok {
		return nil, fmt.Errorf("%w: employee_id", ErrMissingColumn)
	}

	employees := make([]models.Employee, 0, len(rows))
	for _, row := range rows {
		employees = append(employees, models.Employee{
			EmployeeID:       row.get(header, "employeeId"),
			Email:            row.get(header, "email"),
			FirstName:        row.get(header, "firstName"),
			LastName:         row.get(header, "lastName"),
			Department:       row.get(header, "department"),
			JobTitle:         row.get(header, "jobTitle"),
			Manager:          row.get(header, "manager"),
			HireDate:         parseDate(row.get(header, "hireDate")),
			EmploymentStatus: ParseEmploymentStatus(row.get(header, "employmentStatus")),
			TerminationDate:  parseDate(row.get(header, "terminationDate")),
		})
	}
	return employees, nil
}

// SplitRoles splits a role cell on ';', '|' or ',' and drops blanks.
func SplitRoles(cell string) []string {
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ';' || r == '|' || r == ','
	})
	roles := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			roles = append(roles, f)
		}
	}
	return roles
}

func ParseEmploymentStatus(s string) models.EmploymentStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACTIVE", "EMPLOYED":
		return models.EmploymentActive
	case "TERMINATED", "INACTIVE", "LEFT":
		return models.EmploymentTerminated
	case "LEAVE", "ON_LEAVE", "LOA":
		return models.EmploymentLeave
	case "CONTRACTOR", "CONTINGENT":
		return models.EmploymentContractor
	}
	return models.EmploymentUnknown
}

type row struct {
	cells  []string
	header []string
}

type columns map[string]int

func (r row) get(cols columns, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

// original returns the row keyed by its header as written in the file.
func (r row) original() models.JSONB {
	out := make(models.JSONB, len(r.header))
	for i, h := range r.header {
		if h == "" {
			continue
		}
		if i < len(r.cells) {
			out[h] = strings.TrimSpace(r.cells[i])
		} else {
			out[h] = ""
		}
	}
	return out
}

func (p *Parser) read(r io.Reader, aliases map[string]string) (columns, []row, error) {
	reader := csv.NewReader(r)
	if p.Comma != 0 {
		reader.Comma = p.Comma
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("reading header: empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	cols := make(columns)
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		header[i] = strings.TrimSpace(h)
		key := strings.ReplaceAll(strings.ToLower(header[i]), " ", "_")
		if canonical, ok := aliases[key]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}

	var rows []row
	for line := 2; ; line++ {
		cells, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		if blank(cells) {
			continue
		}
		rows = append(rows, row{cells: cells, header: header})
	}
	return cols, rows, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
