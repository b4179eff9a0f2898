package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStoreFromEnv_Default(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", tmpDir)

	store, err := NewStoreFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewStoreFromEnv failed: %v", err)
	}
	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("Expected *FileStore, got %T", store)
	}
	if want := filepath.Join(tmpDir, "reports"); fs.baseDir != want {
		t.Errorf("Expected baseDir %s, got %s", want, fs.baseDir)
	}
}

func TestNewStoreFromEnv_S3MissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ARTIFACT_S3_BUCKET is required") {
		t.Fatalf("Expected missing bucket error, got %v", err)
	}
}

func TestNewStoreFromEnv_GCSMissingBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "gcs")
	t.Setenv("ARTIFACT_GCS_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	if err == nil {
		t.Fatal("Expected error for missing GCS bucket")
	}
	// Builds without the gcp tag refuse GCS outright.
	if strings.Contains(err.Error(), "GCS storage is not enabled") {
		return
	}
	if !strings.Contains(err.Error(), "ARTIFACT_GCS_BUCKET is required") {
		t.Errorf("Expected missing bucket error, got %v", err)
	}
}

func TestNewStoreFromEnv_UnsupportedType(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "azure")

	_, err := NewStoreFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unsupported artifact storage type") {
		t.Fatalf("Expected unsupported type error, got %v", err)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "reports"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()
	data := []byte(`{"run_id":"run-1"}`)

	hash, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if hash != ContentHash(data) {
		t.Errorf("Expected %s, got %s", ContentHash(data), hash)
	}
	again, err := store.Put(ctx, data)
	if err != nil || again != hash {
		t.Fatalf("Second Put: %s, %v", again, err)
	}

	got, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Expected %q, got %q", data, got)
	}

	if ok, err := store.Exists(ctx, hash); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := store.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := store.Exists(ctx, hash); ok {
		t.Error("Expected artifact to be gone after Delete")
	}
	if err := store.Delete(ctx, hash); err != nil {
		t.Errorf("Deleting a missing artifact should succeed, got %v", err)
	}
}

func TestFileStore_GetNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	_, err = store.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_InvalidHash(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	for _, h := range []string{"invalid-hash", "sha256:abc", "sha256:" + strings.Repeat("z", 64), "md5:" + strings.Repeat("0", 64)} {
		if _, err := store.Get(context.Background(), h); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("Get(%q): expected ErrInvalidHash, got %v", h, err)
		}
	}
}

func TestFileStore_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, err := store.Put(context.Background(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
