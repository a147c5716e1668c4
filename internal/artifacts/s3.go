package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/qualys/accessreview/internal/config"
)

type S3 struct {
	client   *s3.Client
	bucket   string
	prefix   string
	kmsKeyID string
}

// KeyDescriber is the part of the KMS API used to check the upload key.
type KeyDescriber interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// LoadAWSConfig resolves credentials the same way for every AWS client:
// static keys when configured, otherwise the default chain, optionally
// wrapped in an assumed role.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}
	return awsCfg, nil
}

func NewS3(ctx context.Context, cfg config.AWSConfig, s3cfg config.S3Config) (*S3, error) {
	if s3cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if s3cfg.KMSKeyID != "" {
		if err := VerifyKMSKey(ctx, kms.NewFromConfig(awsCfg), s3cfg.KMSKeyID); err != nil {
			return nil, err
		}
	}
	return &S3{
		client:   s3.NewFromConfig(awsCfg),
		bucket:   s3cfg.Bucket,
		prefix:   s3cfg.Prefix,
		kmsKeyID: s3cfg.KMSKeyID,
	}, nil
}

// VerifyKMSKey fails unless keyID names an enabled symmetric encryption key.
// Evidence written with an unusable key could not be read back.
func VerifyKMSKey(ctx context.Context, client KeyDescriber, keyID string) error {
	out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return fmt.Errorf("kms key %s not accessible: %w", keyID, err)
	}
	meta := out.KeyMetadata
	if meta == nil {
		return fmt.Errorf("kms key %s: no metadata returned", keyID)
	}
	if meta.KeyState != kmstypes.KeyStateEnabled {
		return fmt.Errorf("kms key %s is %s", keyID, meta.KeyState)
	}
	if meta.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt {
		return fmt.Errorf("kms key %s cannot encrypt (usage %s)", keyID, meta.KeyUsage)
	}
	return nil
}

func (s *S3) Backend() string { return "s3" }

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(joinKey(s.prefix, key)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if s.kmsKeyID != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}
	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("uploading to s3: %w", err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("downloading from s3: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}
