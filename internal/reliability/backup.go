// Package reliability provides the optional backup service: the engine's
// data files uploaded to S3-compatible storage (R2 and friends), keyed by
// date and carrying checksum metadata.
package reliability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// backedUpFiles are the engine artifacts worth keeping off-device.
var backedUpFiles = []string{"portfolio.db", "hive_cache.db", "pipeline_health.json"}

// Config holds backup service configuration.
type Config struct {
	Bucket   string
	Endpoint string // custom endpoint for R2-compatible stores, empty for AWS
	Region   string
}

// FileMetadata describes one uploaded file.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Manifest is written next to each day's backup.
type Manifest struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// BackupService uploads the data dir to the configured bucket.
type BackupService struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	dataDir  string
	log      zerolog.Logger
}

// NewBackupService creates the service, or nil when no bucket is
// configured (backups disabled). Credentials come from BACKUP_S3_ACCESS_KEY
// and BACKUP_S3_SECRET_KEY when the access key is set, otherwise from the
// standard AWS environment chain.
func NewBackupService(ctx context.Context, cfg Config, dataDir string, log zerolog.Logger) (*BackupService, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if key := os.Getenv("BACKUP_S3_ACCESS_KEY"); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, os.Getenv("BACKUP_S3_SECRET_KEY"), "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &BackupService{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		dataDir:  dataDir,
		log:      log.With().Str("service", "backup").Logger(),
	}, nil
}

// Run uploads today's backup set: every present data file plus a manifest.
func (s *BackupService) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	started := time.Now()
	prefix := "backups/" + started.UTC().Format("2006-01-02")
	manifest := Manifest{Timestamp: started.UTC()}

	for _, name := range backedUpFiles {
		path := filepath.Join(s.dataDir, name)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}

		checksum, err := checksumFile(path)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", name, err)
		}

		if err := s.uploadFile(ctx, path, prefix+"/"+name, checksum); err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}

		manifest.Files = append(manifest.Files, FileMetadata{
			Name:      name,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup manifest: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(prefix + "/manifest.json"),
		Body:        bytes.NewReader(manifestJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload backup manifest: %w", err)
	}

	s.log.Info().
		Int("files", len(manifest.Files)).
		Dur("took", time.Since(started)).
		Str("prefix", prefix).
		Msg("Backup uploaded")
	return nil
}

func (s *BackupService) uploadFile(ctx context.Context, path, key, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]string{
			"sha256": checksum,
		},
	})
	return err
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
