package cdn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/HouraiTeahouse/HouraiDeploy/internal/log"
	"github.com/HouraiTeahouse/HouraiDeploy/internal/xerrors"
)

// cloudfrontInvalidator is the subset of the CloudFront API needed to
// invalidate paths. Extracted as an interface to enable unit testing
// without live AWS credentials.
type cloudfrontInvalidator interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// CloudFrontPurger invalidates artifact URLs on a CloudFront
// distribution.
type CloudFrontPurger struct {
	client         cloudfrontInvalidator
	logger         log.Logger
	distributionID string
	now            func() time.Time
}

// CloudFrontOptions configures a CloudFrontPurger.
type CloudFrontOptions struct {
	Logger log.Logger

	// DistributionID identifies the distribution fronting the serving root.
	DistributionID string

	// AWSConfig overrides the default credential chain (uses default if nil).
	AWSConfig *aws.Config
}

// NewCloudFrontPurger creates a purger for one distribution.
func NewCloudFrontPurger(ctx context.Context, opts CloudFrontOptions) (*CloudFrontPurger, error) {
	if opts.DistributionID == "" {
		return nil, xerrors.New("DistributionID is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	return &CloudFrontPurger{
		client:         cloudfront.NewFromConfig(awsCfg),
		logger:         opts.Logger,
		distributionID: opts.DistributionID,
		now:            time.Now,
	}, nil
}

// Purge submits an invalidation for the path component of rawURL.
// CloudFront keys its cache by path, not full URL.
func (p *CloudFrontPurger) Purge(ctx context.Context, rawURL string) error {
	path, err := invalidationPath(rawURL)
	if err != nil {
		return err
	}

	// caller reference must be unique per invalidation request
	ref := fmt.Sprintf("hourai-deploy-%d", p.now().UnixNano())
	out, err := p.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(p.distributionID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(ref),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{path},
			},
		},
	})
	if err != nil {
		return xerrors.Wrapf(err, "invalidate %s on distribution %s", path, p.distributionID)
	}

	invalidationID := ""
	if out.Invalidation != nil && out.Invalidation.Id != nil {
		invalidationID = *out.Invalidation.Id
	}
	p.logger.Info(ctx, "purged cdn cache",
		"url", rawURL,
		"path", path,
		"distribution", p.distributionID,
		"invalidation_id", invalidationID,
	)
	return nil
}

// invalidationPath converts a full artifact URL into the leading-slash
// path form the invalidation API expects.
func invalidationPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", xerrors.Wrapf(err, "parse purge url %s", rawURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return path, nil
}
