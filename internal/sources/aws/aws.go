// Package aws collects IAM users with their group memberships and
// attached policies as an access snapshot.
package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/models"
)

const Provider = "aws"

// IAMAPI is the subset of the IAM client the collector calls.
type IAMAPI interface {
	iam.ListUsersAPIClient
	iam.ListGroupsForUserAPIClient
	iam.ListAttachedUserPoliciesAPIClient
	iam.ListUserPoliciesAPIClient
	ListUserTags(ctx context.Context, params *iam.ListUserTagsInput, optFns ...func(*iam.Options)) (*iam.ListUserTagsOutput, error)
}

type Collector struct {
	client IAMAPI
}

func New(ctx context.Context, cfg config.AWSConfig) (*Collector, error) {
	awsCfg, err := artifacts.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(iam.NewFromConfig(awsCfg)), nil
}

func NewWithClient(client IAMAPI) *Collector {
	return &Collector{client: client}
}

func (c *Collector) Provider() string {
	return Provider
}

func (c *Collector) Collect(ctx context.Context) ([]models.ImportRecord, error) {
	var records []models.ImportRecord
	paginator := iam.NewListUsersPaginator(c.client, &iam.ListUsersInput{})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		for _, user := range page.Users {
			name := aws.ToString(user.UserName)
			roles, err := c.userRoles(ctx, name)
			if err != nil {
				return nil, err
			}
			email, err := c.userEmail(ctx, name)
			if err != nil {
				return nil, err
			}

			rec := models.ImportRecord{
				Username: name,
				Email:    email,
				Roles:    roles,
				Raw: models.JSONB{
					"arn":    aws.ToString(user.Arn),
					"userId": aws.ToString(user.UserId),
				},
			}
			if user.PasswordLastUsed != nil {
				rec.LastLoginAt = user.PasswordLastUsed.UTC().Format(time.RFC3339)
			}
			if user.CreateDate != nil {
				rec.GrantDate = user.CreateDate.UTC().Format(time.RFC3339)
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

// userRoles lists groups, managed policies and inline policies. Each is
// treated as a role name in the application catalog.
func (c *Collector) userRoles(ctx context.Context, userName string) ([]string, error) {
	var roles []string

	groups := iam.NewListGroupsForUserPaginator(c.client, &iam.ListGroupsForUserInput{UserName: aws.String(userName)})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing groups for %s: %w", userName, err)
		}
		for _, g := range page.Groups {
			roles = append(roles, aws.ToString(g.GroupName))
		}
	}

	attached := iam.NewListAttachedUserPoliciesPaginator(c.client, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(userName)})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing attached policies for %s: %w", userName, err)
		}
		for _, p := range page.AttachedPolicies {
			roles = append(roles, aws.ToString(p.PolicyName))
		}
	}

	inline := iam.NewListUserPoliciesPaginator(c.client, &iam.ListUserPoliciesInput{UserName: aws.String(userName)})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing inline policies for %s: %w", userName, err)
		}
		roles = append(roles, page.PolicyNames...)
	}

	return roles, nil
}

// userEmail reads the "email" tag, the usual place IAM users carry a
// corporate address.
func (c *Collector) userEmail(ctx context.Context, userName string) (string, error) {
	out, err := c.client.ListUserTags(ctx, &iam.ListUserTagsInput{UserName: aws.String(userName)})
	if err != nil {
		return "", fmt.Errorf("listing tags for %s: %w", userName, err)
	}
	for _, tag := range out.Tags {
		if strings.EqualFold(aws.ToString(tag.Key), "email") {
			return aws.ToString(tag.Value), nil
		}
	}
	return "", nil
}
