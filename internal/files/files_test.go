package files

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func uploadHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(content)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		t.Fatalf("parse multipart: %v", err)
	}
	return req.MultipartForm.File["file"][0]
}

func TestDiskStoreSave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "/uploads/")
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}

	url, err := store.Save(uploadHeader(t, "photo.PNG", []byte("fake image bytes")))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasPrefix(url, "/uploads/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected url: %q", url)
	}

	// stored under a generated name, not the client's
	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads/")))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if string(data) != "fake image bytes" {
		t.Fatalf("stored content mismatch: %q", data)
	}
	if strings.Contains(url, "photo") {
		t.Fatal("client filename leaked into url")
	}
}

func TestDiskStoreRejectsDisallowedType(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), "/uploads")
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}
	if _, err := store.Save(uploadHeader(t, "run.exe", []byte("MZ"))); err == nil {
		t.Fatal("expected rejection of .exe upload")
	}
}

func TestDiskStoreRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir, "/uploads")
	if err != nil {
		t.Fatalf("NewDiskStore failed: %v", err)
	}

	url, err := store.Save(uploadHeader(t, "doc.pdf", []byte("pdf bytes")))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Remove(url); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	path := filepath.Join(dir, strings.TrimPrefix(url, "/uploads/"))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stored file still present after Remove: %v", err)
	}

	if err := store.Remove("/elsewhere/escape.pdf"); err == nil {
		t.Fatal("expected rejection of foreign url")
	}
	if err := store.Remove("/uploads/../secret"); err == nil {
		t.Fatal("expected rejection of traversal url")
	}
}

func TestTypeForExt(t *testing.T) {
	if got := TypeForExt("/uploads/a.jpg"); got != "image" {
		t.Fatalf("jpg should be image, got %q", got)
	}
	if got := TypeForExt("/uploads/a.pdf"); got != "file" {
		t.Fatalf("pdf should be file, got %q", got)
	}
}
