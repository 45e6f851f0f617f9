package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGetContentType(t *testing.T) {
	tests := []struct {
		filePath string
		wantType string
	}{
		{"resume.pdf", "application/pdf"},
		{"resume.PDF", "application/pdf"},
		{"resume.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{"resume.txt", "text/plain; charset=utf-8"},
		{"resume.md", "text/markdown; charset=utf-8"},
		{"unknown.xyz", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.filePath, func(t *testing.T) {
			contentType := getContentType(tt.filePath)
			if contentType != tt.wantType {
				t.Errorf("getContentType(%q) = %q, want %q", tt.filePath, contentType, tt.wantType)
			}
		})
	}
}

func TestResumeKey(t *testing.T) {
	key := ResumeKey("user-1", "../../etc/My Resume.PDF")

	if !strings.HasPrefix(key, "resumes/user-1/") {
		t.Errorf("key %q is outside the user prefix", key)
	}
	if !strings.HasSuffix(key, ".pdf") {
		t.Errorf("key %q should keep the lowercased extension", key)
	}
	if strings.Contains(key, "Resume") || strings.Contains(key, "..") {
		t.Errorf("key %q leaks the client file name", key)
	}
	if other := ResumeKey("user-1", "resume.pdf"); other == key {
		t.Error("keys should be unique per upload")
	}
}

func TestOwnsKey(t *testing.T) {
	key := ResumeKey("user-1", "resume.pdf")

	tests := []struct {
		userID string
		key    string
		want   bool
	}{
		{"user-1", key, true},
		{"user-2", key, false},
		{"user-1", "resumes/user-1/../user-2/x.pdf", false},
		{"user", "resumes/user-1/x.pdf", false},
	}

	for _, tt := range tests {
		if got := OwnsKey(tt.userID, tt.key); got != tt.want {
			t.Errorf("OwnsKey(%q, %q) = %v, want %v", tt.userID, tt.key, got, tt.want)
		}
	}
}

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()
	data := []byte("Jane Doe")

	obj, err := store.StoreResume(context.Background(), "user-1", "resume.txt", data)
	if err != nil {
		t.Fatalf("StoreResume failed: %v", err)
	}
	if obj.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", obj.Size, len(data))
	}
	if obj.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("ContentType = %q", obj.ContentType)
	}

	data[0] = 'X'
	stored, ok := store.Get(obj.Key)
	if !ok {
		t.Fatal("stored object not found")
	}
	if string(stored) != "Jane Doe" {
		t.Errorf("stored object was aliased: %q", stored)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestMemoryStorageRemoval(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	first, _ := store.StoreResume(ctx, "user-1", "a.pdf", []byte("a"))
	second, _ := store.StoreResume(ctx, "user-1", "b.docx", []byte("b"))
	other, _ := store.StoreResume(ctx, "user-10", "c.txt", []byte("c"))

	url, err := store.GetURL(ctx, first.Key)
	if err != nil {
		t.Fatalf("GetURL failed: %v", err)
	}
	if url != "memory:///"+first.Key {
		t.Errorf("GetURL = %q", url)
	}
	if _, err := store.GetURL(ctx, "resumes/user-1/missing.pdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("GetURL on missing key: err = %v, want ErrObjectNotFound", err)
	}

	if err := store.Delete(ctx, first.Key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := store.Get(first.Key); ok {
		t.Error("deleted object still present")
	}

	deleted, err := store.DeleteUserResumes(ctx, "user-1")
	if err != nil {
		t.Fatalf("DeleteUserResumes failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, ok := store.Get(second.Key); ok {
		t.Error("user-1 resume survived DeleteUserResumes")
	}
	if _, ok := store.Get(other.Key); !ok {
		t.Error("user-10 resume must not match the user-1 prefix")
	}
}
