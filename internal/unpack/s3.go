package unpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

// markerFileName records the loaded tarball key so restarts skip the
// download.
const markerFileName = ".tarball_loaded"

// defaultBucket is used when RUNPOD_VOLUME_BUCKET is unset.
const defaultBucket = "tetra-code"

// ShouldLoadTarball reports whether a network code tarball is configured.
func ShouldLoadTarball() bool {
	return os.Getenv(config.EnvCodeTarball) != ""
}

// projectDir is where the network tarball unpacks, nested so project code
// never collides with worker files in the app dir.
func projectDir() string {
	return filepath.Join(config.AppDir, "project")
}

// DownloadAndExtractTarball fetches the configured project tarball from
// S3-compatible object storage and extracts it into the project directory.
// A marker file makes the operation idempotent across restarts.
func DownloadAndExtractTarball(ctx context.Context) error {
	key := os.Getenv(config.EnvCodeTarball)
	if key == "" {
		logging.Op().Info("no code tarball specified, skipping tarball loading")
		return nil
	}

	dir := projectDir()
	marker := filepath.Join(dir, markerFileName)
	if _, err := os.Stat(marker); err == nil {
		logging.Op().Info("project already extracted", "dir", dir)
		return nil
	}

	endpoint := os.Getenv(config.EnvVolumeEndpoint)
	accessKey := os.Getenv(config.EnvVolumeAccessKey)
	secretKey := os.Getenv(config.EnvVolumeSecretKey)
	bucket := os.Getenv(config.EnvVolumeBucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	if endpoint == "" || accessKey == "" || secretKey == "" {
		return fmt.Errorf("volume store not configured: missing RUNPOD_VOLUME_* environment variables")
	}

	ctx, cancel := context.WithTimeout(ctx, config.DownloadTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("eu-ro-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return fmt.Errorf("configure object store client: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	logging.Op().Info("downloading project tarball", "bucket", bucket, "key", key)
	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download tarball s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp("", "project-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create temp tarball: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := tmp.ReadFrom(obj.Body)
	tmp.Close()
	if err != nil {
		return fmt.Errorf("write temp tarball: %w", err)
	}
	logging.Op().Info("downloaded project tarball", "bytes", size)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := extractArchive(tmpPath, dir); err != nil {
		return fmt.Errorf("extract project tarball: %w", err)
	}

	if err := os.WriteFile(marker, []byte(key), 0o644); err != nil {
		return fmt.Errorf("write tarball marker: %w", err)
	}
	logging.Op().Info("project tarball loaded", "dir", dir)
	return nil
}
