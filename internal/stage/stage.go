// Package stage uploads local files for PUT statements to the stage location
// the service returns.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/wire"
)

const (
	DefaultParallel  = 4
	DefaultThreshold = 64 << 20

	StatusUploaded = "UPLOADED"
)

// ErrUnsupportedStage is returned for stage locations other than S3.
var ErrUnsupportedStage = errors.New("unsupported stage location type")

var putPattern = regexp.MustCompile(`(?is)^\s*(?:/\*.*?\*/\s*)*put\s+`)

// IsPut reports whether sql is a PUT statement.
func IsPut(sql string) bool {
	return putPattern.MatchString(sql)
}

// ObjectPutter writes one object to a bucket.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error
}

// ClientFactory builds an ObjectPutter for a stage using its temporary
// credentials.
type ClientFactory func(info *wire.StageInfo) (ObjectPutter, error)

// Config configures an Uploader. Zero Parallel and Threshold take the
// package defaults.
type Config struct {
	// Parallel bounds concurrent uploads of small files when the service
	// does not say.
	Parallel int
	// Threshold is the size above which files upload one at a time.
	Threshold int64
	NewClient ClientFactory
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

// Result is the outcome of one file upload.
type Result struct {
	Source string
	Target string
	Size   int64
	Status string
}

// Uploader copies the local sources of a PUT statement to its stage.
type Uploader struct {
	parallel  int
	threshold int64
	newClient ClientFactory
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewUploader(cfg Config) *Uploader {
	if cfg.Parallel <= 0 {
		cfg.Parallel = DefaultParallel
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.NewClient == nil {
		cfg.NewClient = NewS3Client
	}
	return &Uploader{
		parallel:  cfg.Parallel,
		threshold: cfg.Threshold,
		newClient: cfg.NewClient,
		log:       observability.Component(cfg.Logger, "stage"),
		metrics:   cfg.Metrics,
	}
}

type file struct {
	source string
	name   string
	size   int64
}

// Upload sends every file named by the response's source locations to its
// stage. Files at or below the threshold upload in parallel; larger files
// upload one at a time afterwards. Results are in source order.
func (u *Uploader) Upload(ctx context.Context, data *wire.QueryResponseData) ([]Result, error) {
	if data == nil || data.StageInfo == nil {
		return nil, fmt.Errorf("response carries no stage info")
	}
	info := data.StageInfo
	if !strings.EqualFold(info.LocationType, "S3") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStage, info.LocationType)
	}
	bucket, prefix := splitLocation(info.Location)
	if bucket == "" {
		return nil, fmt.Errorf("stage location %q has no bucket", info.Location)
	}

	files, err := expand(data.SrcLocations)
	if err != nil {
		return nil, err
	}
	client, err := u.newClient(info)
	if err != nil {
		return nil, fmt.Errorf("create stage client: %w", err)
	}

	parallel := u.parallel
	if data.Parallel > 0 {
		parallel = int(data.Parallel)
	}
	threshold := u.threshold
	if data.Threshold > 0 {
		threshold = data.Threshold
	}

	results := make([]Result, len(files))
	var large []int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, f := range files {
		if f.size > threshold {
			large = append(large, i)
			continue
		}
		g.Go(func() error {
			r, err := u.put(gctx, client, bucket, prefix, f)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, i := range large {
		r, err := u.put(ctx, client, bucket, prefix, files[i])
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

func (u *Uploader) put(ctx context.Context, client ObjectPutter, bucket, prefix string, f file) (Result, error) {
	key := path.Join(prefix, f.name)
	fh, err := os.Open(f.source)
	if err != nil {
		u.metrics.ObserveStageUpload("error")
		return Result{}, fmt.Errorf("open %s: %w", f.source, err)
	}
	defer fh.Close()

	if err := client.PutObject(ctx, bucket, key, fh, f.size); err != nil {
		u.metrics.ObserveStageUpload("error")
		return Result{}, fmt.Errorf("upload %s: %w", f.source, err)
	}
	u.metrics.ObserveStageUpload("uploaded")
	u.log.Debug().Str("source", f.source).Str("bucket", bucket).Str("key", key).Int64("size", f.size).Msg("file uploaded")
	return Result{Source: f.source, Target: f.name, Size: f.size, Status: StatusUploaded}, nil
}

// expand resolves glob patterns in the source locations. A pattern matching
// nothing is an error.
func expand(locations []string) ([]file, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("no source files")
	}
	var files []file
	seen := make(map[string]bool)
	for _, loc := range locations {
		loc = strings.TrimPrefix(loc, "file://")
		matches, err := filepath.Glob(loc)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", loc, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("source %q: %w", loc, os.ErrNotExist)
		}
		for _, m := range matches {
			st, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", m, err)
			}
			if st.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, file{source: m, name: filepath.Base(m), size: st.Size()})
		}
	}
	return files, nil
}

// splitLocation splits "bucket/some/prefix/" into its bucket and key prefix.
func splitLocation(loc string) (string, string) {
	loc = strings.Trim(loc, "/")
	bucket, prefix, _ := strings.Cut(loc, "/")
	return bucket, prefix
}

type s3Client struct {
	client *minio.Client
}

// NewS3Client returns an ObjectPutter backed by minio-go using the stage's
// temporary credentials.
func NewS3Client(info *wire.StageInfo) (ObjectPutter, error) {
	endpoint, secure := s3Endpoint(info)
	c, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(info.Creds.AWSKeyID, info.Creds.AWSSecretKey, info.Creds.AWSToken),
		Secure: secure,
		Region: info.Region,
	})
	if err != nil {
		return nil, err
	}
	return &s3Client{client: c}, nil
}

func (s *s3Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func s3Endpoint(info *wire.StageInfo) (string, bool) {
	ep := strings.TrimSpace(info.EndPoint)
	switch {
	case strings.HasPrefix(ep, "http://"):
		return strings.TrimPrefix(ep, "http://"), false
	case strings.HasPrefix(ep, "https://"):
		return strings.TrimPrefix(ep, "https://"), true
	case ep != "":
		return ep, true
	case info.Region != "":
		return "s3." + info.Region + ".amazonaws.com", true
	}
	return "s3.amazonaws.com", true
}
