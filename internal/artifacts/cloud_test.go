package artifacts

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKMS struct {
	meta *kmstypes.KeyMetadata
	err  error
	got  string
}

func (f *fakeKMS) DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	f.got = *params.KeyId
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DescribeKeyOutput{KeyMetadata: f.meta}, nil
}

func TestVerifyKMSKey(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		kms     *fakeKMS
		wantErr string
	}{
		{
			name: "enabled encryption key",
			kms:  &fakeKMS{meta: &kmstypes.KeyMetadata{KeyState: kmstypes.KeyStateEnabled, KeyUsage: kmstypes.KeyUsageTypeEncryptDecrypt}},
		},
		{
			name:    "disabled key",
			kms:     &fakeKMS{meta: &kmstypes.KeyMetadata{KeyState: kmstypes.KeyStateDisabled, KeyUsage: kmstypes.KeyUsageTypeEncryptDecrypt}},
			wantErr: "is Disabled",
		},
		{
			name:    "signing key",
			kms:     &fakeKMS{meta: &kmstypes.KeyMetadata{KeyState: kmstypes.KeyStateEnabled, KeyUsage: kmstypes.KeyUsageTypeSignVerify}},
			wantErr: "cannot encrypt",
		},
		{
			name:    "access denied",
			kms:     &fakeKMS{err: errors.New("AccessDeniedException")},
			wantErr: "not accessible",
		},
		{
			name:    "no metadata",
			kms:     &fakeKMS{},
			wantErr: "no metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyKMSKey(ctx, tt.kms, "alias/uar-reports")
			assert.Equal(t, "alias/uar-reports", tt.kms.got)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPublicMembers(t *testing.T) {
	policy := &iam.Policy{}
	policy.Add("user:auditor@co.com", iam.Viewer)
	policy.Add("serviceAccount:uar@proj.iam.gserviceaccount.com", iam.Editor)
	assert.Empty(t, publicMembers(policy))

	policy.Add(iam.AllUsers, iam.Viewer)
	policy.Add(iam.AllUsers, "roles/storage.objectViewer")
	policy.Add(iam.AllAuthenticatedUsers, "roles/storage.objectViewer")
	assert.ElementsMatch(t, []string{iam.AllUsers, iam.AllAuthenticatedUsers}, publicMembers(policy))

	assert.Nil(t, publicMembers(nil))
}
