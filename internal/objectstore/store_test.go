package objectstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"collabhub/api/internal/filestore"
)

func TestObjectKey(t *testing.T) {
	key, err := objectKey("proj-1", "main", "src//a.js")
	if err != nil {
		t.Fatalf("objectKey() error = %v", err)
	}
	if key != "proj-1/main/src/a.js" {
		t.Fatalf("objectKey() = %q", key)
	}
	if got := pathFromKey(branchPrefix("proj-1", "main"), key); got != "/src/a.js" {
		t.Fatalf("pathFromKey() = %q", got)
	}
	if _, err := objectKey("proj-1", "main", "../x"); !errors.Is(err, filestore.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestStoreRoundTripIntegration(t *testing.T) {
	endpoint := os.Getenv("COLLABHUB_TEST_S3_ENDPOINT")
	if testing.Short() || endpoint == "" {
		t.Skip("set COLLABHUB_TEST_S3_ENDPOINT to run object storage integration tests")
	}
	ctx := context.Background()
	store, err := New(ctx, Options{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("COLLABHUB_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("COLLABHUB_TEST_S3_SECRET_KEY"),
		Bucket:    "collabhub-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	author := filestore.Author{ID: "u1", Name: "Avery"}
	project := "it-" + t.Name()

	if err := store.WriteFile(ctx, project, "main", "/a.txt", "x", author); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := store.RenameFile(ctx, project, "main", "/a.txt", "/b.txt", nil, author); err != nil {
		t.Fatalf("RenameFile() error = %v", err)
	}
	content, err := store.ReadFile(ctx, project, "main", "/b.txt")
	if err != nil || content != "x" {
		t.Fatalf("ReadFile() = %q, %v", content, err)
	}
	if _, err := store.ReadFile(ctx, project, "main", "/a.txt"); !errors.Is(err, filestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteFile(ctx, project, "main", "/b.txt", author); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
}
