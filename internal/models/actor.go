package models

// Role names issued by the auth service.
const (
	RoleAdministrator = "ADMINISTRATOR"
	RoleISO           = "ISO"
	RoleAnalyst       = "ANALYST"
	RoleReviewer      = "REVIEWER"
	RoleAuditor       = "AUDITOR"
)

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID string
	Email  string
	Role   string
}

// CanMutate reports whether the actor may change catalog or review data.
func (a Actor) CanMutate() bool {
	switch a.Role {
	case RoleAdministrator, RoleISO, RoleAnalyst:
		return true
	}
	return false
}

// SystemActor is used by scheduled jobs and the admin CLI.
var SystemActor = Actor{UserID: "system", Email: "system", Role: RoleAdministrator}
