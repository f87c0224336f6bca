package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLocalStorePutCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	s := NewLocalStore(root)
	ctx := context.Background()

	if err := s.PutObject(ctx, "", "7/42.svg", []byte("<svg/>")); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "7", "42.svg"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "<svg/>" {
		t.Errorf("content = %q", data)
	}

	// Second write into an existing directory overwrites.
	if err := s.PutObject(ctx, "", "7/42.svg", []byte("<svg>2</svg>")); err != nil {
		t.Fatalf("PutObject overwrite: %v", err)
	}
	got, err := s.GetObject(ctx, "", "7/42.svg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got) != "<svg>2</svg>" {
		t.Errorf("content after overwrite = %q", got)
	}
}

func TestLocalStoreListPrefix(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"1/10.svg", "1/11.svg", "2/20.svg"} {
		if err := s.PutObject(ctx, "previews", key, []byte("x")); err != nil {
			t.Fatalf("PutObject(%s): %v", key, err)
		}
	}

	keys, err := s.ListPrefix(ctx, "previews", "1")
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	want := []string{"1/10.svg", "1/11.svg"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	keys, err = s.ListPrefix(ctx, "previews", "missing")
	if err != nil || len(keys) != 0 {
		t.Errorf("ListPrefix(missing) = %v, %v", keys, err)
	}
}

func TestLocalStoreMissingObject(t *testing.T) {
	s := NewLocalStore(t.TempDir())

	_, err := s.GetObject(context.Background(), "", "nope.svg")
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Code != CodeObjectNotFound {
		t.Fatalf("err = %v, want %s", err, CodeObjectNotFound)
	}
}

func TestLocalStoreEnsureBucketIdempotent(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.EnsureBucket(ctx, "previews"); err != nil {
			t.Fatalf("EnsureBucket #%d: %v", i, err)
		}
	}
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
		code string
	}{
		{name: "missing endpoint", cfg: S3Config{AccessKeyID: "a", SecretAccessKey: "b"}, code: CodeEndpointUnreachable},
		{name: "missing credentials", cfg: S3Config{EndpointURL: "http://localhost:9000"}, code: CodeAuthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3Store(tt.cfg)
			var storeErr *Error
			if !errors.As(err, &storeErr) || storeErr.Code != tt.code {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "previews")

	s, err := Open(ctx, KindLocal, root, S3Config{})
	if err != nil {
		t.Fatalf("Open(local): %v", err)
	}
	if _, ok := s.(*LocalStore); !ok {
		t.Errorf("Open(local) = %T, want *LocalStore", s)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("ping did not create root: %v", err)
	}

	if _, err := Open(ctx, "gcs", root, S3Config{}); err == nil {
		t.Error("expected error for unknown kind")
	}
}
