// Package azure collects subscription RBAC role assignments of user
// principals as an access snapshot.
package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"

	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/models"
)

const Provider = "azure"

type Collector struct {
	subscriptionID string
	assignments    *armauthorization.RoleAssignmentsClient
	definitions    *armauthorization.RoleDefinitionsClient
}

func New(cfg config.AzureConfig) (*Collector, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("azure subscription id is required")
	}
	credential, err := artifacts.AzureCredential(cfg)
	if err != nil {
		return nil, err
	}

	assignments, err := armauthorization.NewRoleAssignmentsClient(cfg.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating role assignments client: %w", err)
	}
	definitions, err := armauthorization.NewRoleDefinitionsClient(credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating role definitions client: %w", err)
	}

	return &Collector{
		subscriptionID: cfg.SubscriptionID,
		assignments:    assignments,
		definitions:    definitions,
	}, nil
}

func (c *Collector) Provider() string {
	return Provider
}

func (c *Collector) Collect(ctx context.Context) ([]models.ImportRecord, error) {
	names, err := c.roleNames(ctx)
	if err != nil {
		return nil, err
	}

	var assignments []*armauthorization.RoleAssignment
	pager := c.assignments.NewListForSubscriptionPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing role assignments: %w", err)
		}
		assignments = append(assignments, page.Value...)
	}

	return buildRecords(assignments, names), nil
}

func (c *Collector) roleNames(ctx context.Context) (map[string]string, error) {
	names := make(map[string]string)
	scope := fmt.Sprintf("/subscriptions/%s", c.subscriptionID)
	pager := c.definitions.NewListPager(scope, nil)

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing role definitions: %w", err)
		}
		for _, def := range page.Value {
			if def.ID == nil || def.Properties == nil {
				continue
			}
			names[definitionKey(*def.ID)] = ptrToString(def.Properties.RoleName)
		}
	}
	return names, nil
}

// buildRecords groups user assignments by principal. Unknown role
// definitions keep their id so they still surface as unmatched roles.
func buildRecords(assignments []*armauthorization.RoleAssignment, roleNames map[string]string) []models.ImportRecord {
	type principal struct {
		roles  map[string]bool
		scopes map[string]bool
		first  *time.Time
	}
	byID := make(map[string]*principal)
	var order []string

	for _, a := range assignments {
		if a == nil || a.Properties == nil || a.Properties.PrincipalID == nil {
			continue
		}
		props := a.Properties
		if props.PrincipalType == nil || *props.PrincipalType != armauthorization.PrincipalTypeUser {
			continue
		}

		id := *props.PrincipalID
		p, ok := byID[id]
		if !ok {
			p = &principal{roles: make(map[string]bool), scopes: make(map[string]bool)}
			byID[id] = p
			order = append(order, id)
		}

		defID := ptrToString(props.RoleDefinitionID)
		role, ok := roleNames[definitionKey(defID)]
		if !ok || role == "" {
			role = defID
		}
		p.roles[role] = true
		if props.Scope != nil {
			p.scopes[*props.Scope] = true
		}
		if props.CreatedOn != nil && (p.first == nil || props.CreatedOn.Before(*p.first)) {
			p.first = props.CreatedOn
		}
	}

	records := make([]models.ImportRecord, 0, len(order))
	for _, id := range order {
		p := byID[id]
		rec := models.ImportRecord{
			Username: id,
			Roles:    sortedSet(p.roles),
			Raw: models.JSONB{
				"principalId": id,
				"scopes":      sortedSet(p.scopes),
			},
		}
		if p.first != nil {
			rec.GrantDate = p.first.UTC().Format(time.RFC3339)
		}
		records = append(records, rec)
	}
	return records
}

// definitionKey reduces a role definition resource id to its GUID; the same
// definition is referenced with different scope prefixes.
func definitionKey(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return strings.ToLower(id)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
