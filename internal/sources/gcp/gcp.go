// Package gcp collects project IAM policy bindings of user members as an
// access snapshot.
package gcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"

	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/models"
)

const Provider = "gcp"

type Collector struct {
	projectID string
	crm       *cloudresourcemanager.Service
}

func New(ctx context.Context, cfg config.GCPConfig) (*Collector, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	crm, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating resource manager client: %w", err)
	}
	return &Collector{projectID: cfg.ProjectID, crm: crm}, nil
}

func (c *Collector) Provider() string {
	return Provider
}

func (c *Collector) Collect(ctx context.Context) ([]models.ImportRecord, error) {
	policy, err := c.crm.Projects.GetIamPolicy(c.projectID, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("getting IAM policy: %w", err)
	}
	return fromPolicy(c.projectID, policy), nil
}

// fromPolicy inverts role bindings into one record per user member.
// Groups and service accounts are not people and are skipped.
func fromPolicy(projectID string, policy *cloudresourcemanager.Policy) []models.ImportRecord {
	if policy == nil {
		return nil
	}

	roles := make(map[string]map[string]bool)
	var order []string
	for _, binding := range policy.Bindings {
		if binding == nil {
			continue
		}
		for _, member := range binding.Members {
			email, ok := strings.CutPrefix(member, "user:")
			if !ok {
				continue
			}
			key := strings.ToLower(email)
			if _, seen := roles[key]; !seen {
				roles[key] = make(map[string]bool)
				order = append(order, email)
			}
			roles[key][binding.Role] = true
		}
	}

	records := make([]models.ImportRecord, 0, len(order))
	for _, email := range order {
		set := roles[strings.ToLower(email)]
		names := make([]string, 0, len(set))
		for r := range set {
			names = append(names, r)
		}
		sort.Strings(names)
		records = append(records, models.ImportRecord{
			Username: email,
			Email:    email,
			Roles:    names,
			Raw:      models.JSONB{"project": projectID},
		})
	}
	return records
}
