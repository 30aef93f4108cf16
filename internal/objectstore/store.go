package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"collabhub/api/internal/filestore"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store keeps one object per file under "<project>/<branch>/<path>".
// Object storage has no history, so branches do not inherit from main.
type Store struct {
	client *minio.Client
	bucket string
}

var _ filestore.Store = (*Store)(nil)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("object store bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func (s *Store) ReadFile(ctx context.Context, projectID, branch, filePath string) (string, error) {
	key, err := objectKey(projectID, branch, filePath)
	if err != nil {
		return "", err
	}
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", mapObjectError(err)
	}
	defer object.Close()
	data, err := io.ReadAll(object)
	if err != nil {
		return "", mapObjectError(err)
	}
	return string(data), nil
}

func (s *Store) WriteFile(ctx context.Context, projectID, branch, filePath, content string, author filestore.Author) error {
	key, err := objectKey(projectID, branch, filePath)
	if err != nil {
		return err
	}
	return s.put(ctx, key, content, author)
}

func (s *Store) put(ctx context.Context, key, content string, author filestore.Author) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType:  "text/plain; charset=utf-8",
		UserMetadata: authorMetadata(author),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, projectID, branch, filePath string, _ filestore.Author) error {
	key, err := objectKey(projectID, branch, filePath)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return mapObjectError(err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// RenameFile writes the destination before removing the source, and removes
// the destination again when the source cannot be deleted.
func (s *Store) RenameFile(ctx context.Context, projectID, branch, fromPath, toPath string, content *string, author filestore.Author) error {
	fromKey, err := objectKey(projectID, branch, fromPath)
	if err != nil {
		return err
	}
	toKey, err := objectKey(projectID, branch, toPath)
	if err != nil {
		return err
	}
	if content == nil {
		_, err = s.client.CopyObject(ctx,
			minio.CopyDestOptions{
				Bucket:          s.bucket,
				Object:          toKey,
				UserMetadata:    authorMetadata(author),
				ReplaceMetadata: true,
			},
			minio.CopySrcOptions{Bucket: s.bucket, Object: fromKey},
		)
		if err != nil {
			return mapObjectError(err)
		}
	} else {
		if _, err := s.client.StatObject(ctx, s.bucket, fromKey, minio.StatObjectOptions{}); err != nil {
			return mapObjectError(err)
		}
		if err := s.put(ctx, toKey, *content, author); err != nil {
			return err
		}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, fromKey, minio.RemoveObjectOptions{}); err != nil {
		if undoErr := s.client.RemoveObject(ctx, s.bucket, toKey, minio.RemoveObjectOptions{}); undoErr != nil {
			return fmt.Errorf("remove renamed object %s: %w (undo: %v)", fromKey, err, undoErr)
		}
		return fmt.Errorf("remove renamed object %s: %w", fromKey, err)
	}
	return nil
}

func (s *Store) ListTree(ctx context.Context, projectID, branch string) ([]string, error) {
	prefix := branchPrefix(projectID, branch)
	paths := make([]string, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, info.Err)
		}
		paths = append(paths, pathFromKey(prefix, info.Key))
	}
	sort.Strings(paths)
	return paths, nil
}

func objectKey(projectID, branch, filePath string) (string, error) {
	if err := filestore.CheckProjectID(projectID); err != nil {
		return "", err
	}
	cleaned, err := filestore.CleanPath(filePath)
	if err != nil {
		return "", err
	}
	return branchPrefix(projectID, branch) + filestore.RelPath(cleaned), nil
}

func branchPrefix(projectID, branch string) string {
	return path.Join(projectID, branch) + "/"
}

func pathFromKey(prefix, key string) string {
	return "/" + strings.TrimPrefix(key, prefix)
}

func authorMetadata(author filestore.Author) map[string]string {
	if author.ID == "" {
		return nil
	}
	return map[string]string{"author-id": author.ID, "author-name": author.Name}
}

func mapObjectError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return filestore.ErrNotFound
	}
	return fmt.Errorf("object storage: %w", err)
}
