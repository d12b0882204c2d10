package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/haatos/vc4-buildbot/internal"
	"github.com/haatos/vc4-buildbot/internal/settings"
	"github.com/pkg/sftp"
)

// Uploader copies staged files to the publication host. Upload either
// transfers every path or returns an error.
type Uploader interface {
	Upload(ctx context.Context, paths []string) error
}

// NewUploader returns nil for the "none" backend.
func NewUploader(ctx context.Context, cfg internal.UploadConfig, s *settings.AppSettings) (Uploader, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "sftp":
		ssh := NewSSHService(cfg.Host, cfg.Port, cfg.User, cfg.KeyFile, cfg.KnownHosts, time.Duration(cfg.Timeout))
		return NewSFTPUploader(ssh, cfg.Path), nil
	case "s3":
		u, err := NewS3Uploader(ctx, cfg, s)
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unknown upload backend %s", cfg.Backend)
	}
}

type SFTPUploader struct {
	ssh       *SSHService
	remoteDir string
}

func NewSFTPUploader(ssh *SSHService, remoteDir string) *SFTPUploader {
	return &SFTPUploader{ssh: ssh, remoteDir: remoteDir}
}

func (u *SFTPUploader) Upload(ctx context.Context, paths []string) error {
	client, err := u.ssh.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	home, err := sftpClient.Getwd()
	if err != nil {
		return err
	}
	dir := resolveRemoteDir(home, u.remoteDir)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return fmt.Errorf("err creating remote dir %s: %+w", dir, err)
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := uploadFile(sftpClient, p, path.Join(dir, filepath.Base(p))); err != nil {
			return fmt.Errorf("err uploading %s: %+w", p, err)
		}
	}
	return nil
}

// resolveRemoteDir expands a leading ~ to the login directory.
func resolveRemoteDir(home, dir string) string {
	switch {
	case dir == "" || dir == "~" || dir == "~/":
		return home
	case strings.HasPrefix(dir, "~/"):
		return path.Join(home, dir[2:])
	case path.IsAbs(dir):
		return path.Clean(dir)
	default:
		return path.Join(home, dir)
	}
}

// uploadFile keeps the local mode and modification time like scp -p.
func uploadFile(sftpClient *sftp.Client, localPath, remotePath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return err
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(remoteFile, localFile); err != nil {
		remoteFile.Close()
		return err
	}
	if err := remoteFile.Close(); err != nil {
		return err
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return err
	}
	return sftpClient.Chtimes(remotePath, info.ModTime(), info.ModTime())
}

type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Uploader(ctx context.Context, cfg internal.UploadConfig, s *settings.AppSettings) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 upload needs a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if s != nil && s.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.S3AccessKey, s.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("err loading s3 config: %+w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Path}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := u.put(ctx, p); err != nil {
			return fmt.Errorf("err uploading %s: %+w", p, err)
		}
	}
	return nil
}

func (u *S3Uploader) put(ctx context.Context, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(objectKey(u.prefix, p)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	return err
}

func objectKey(prefix, p string) string {
	prefix = strings.Trim(strings.TrimPrefix(prefix, "~"), "/")
	if prefix == "" {
		return filepath.Base(p)
	}
	return prefix + "/" + filepath.Base(p)
}

// StagingFlusher uploads every staged file and deletes them only once all of
// them were uploaded. Files of a failed upload stay for the next run.
type StagingFlusher struct {
	staging  internal.StagingConfig
	uploader Uploader
}

func NewStagingFlusher(staging internal.StagingConfig, uploader Uploader) *StagingFlusher {
	return &StagingFlusher{staging: staging, uploader: uploader}
}

// Flush reports whether the staged files were uploaded and removed.
func (f *StagingFlusher) Flush(ctx context.Context) (bool, error) {
	if f.uploader == nil {
		return false, nil
	}
	files, err := StagedFiles(f.staging)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	if err := f.uploader.Upload(ctx, files); err != nil {
		return false, err
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			log.Println("err deleting uploaded file:", err)
		}
	}
	return true, nil
}
