package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOriginServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestInstallAndRead(t *testing.T) {
	ts := newOriginServer(t, http.StatusOK, "console.log('payload')")

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	bucket := store.Bucket("test-bucket")

	snap, err := bucket.Install(context.Background(), ts.Client(), ts.URL, "/static/malware.js")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if snap.Status != http.StatusOK {
		t.Errorf("stored status = %d, want 200", snap.Status)
	}
	if got := snap.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length should be stripped, got %q", got)
	}

	got, ok := bucket.Read("/static/malware.js")
	if !ok {
		t.Fatal("Read: entry missing after install")
	}
	if string(got.Body) != "console.log('payload')" {
		t.Errorf("body = %q", got.Body)
	}

	// Reading must not consume or mutate the entry.
	again, ok := bucket.Read("/static/malware.js")
	if !ok {
		t.Fatal("second Read: entry gone")
	}
	if string(again.Body) != string(got.Body) {
		t.Error("second Read returned different body")
	}
}

func TestReadMiss(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, ok := store.Bucket("b").Read("/nothing"); ok {
		t.Error("Read on empty bucket reported ok=true")
	}
}

func TestInstallRejectsNon2xx(t *testing.T) {
	ts := newOriginServer(t, http.StatusNotFound, "gone")

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	bucket := store.Bucket("b")

	if _, err := bucket.Install(context.Background(), ts.Client(), ts.URL, "/static/malware.js"); err == nil {
		t.Fatal("Install with 404 origin should fail")
	}
	if _, ok := bucket.Read("/static/malware.js"); ok {
		t.Error("failed install must not leave an entry behind")
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	ts := newOriginServer(t, http.StatusOK, "persist me")
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Bucket("b").Install(context.Background(), ts.Client(), ts.URL, "/p.js"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	snap, ok := store.Bucket("b").Read("/p.js")
	if !ok {
		t.Fatal("entry did not survive reopen")
	}
	if string(snap.Body) != "persist me" {
		t.Errorf("body after reopen = %q", snap.Body)
	}
}

func TestClearAndDelete(t *testing.T) {
	ts := newOriginServer(t, http.StatusOK, "x")

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	bucket := store.Bucket("b")
	other := store.Bucket("other")

	for _, key := range []string{"/a.js", "/b.js"} {
		if _, err := bucket.Install(context.Background(), ts.Client(), ts.URL, key); err != nil {
			t.Fatalf("Install %s: %v", key, err)
		}
	}
	if _, err := other.Install(context.Background(), ts.Client(), ts.URL, "/c.js"); err != nil {
		t.Fatalf("Install other: %v", err)
	}

	if err := bucket.Delete("/a.js"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := bucket.Read("/a.js"); ok {
		t.Error("entry readable after Delete")
	}

	if err := bucket.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, err := bucket.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("bucket not empty after Clear: %v", keys)
	}

	// Clearing one bucket must not touch another.
	if _, ok := other.Read("/c.js"); !ok {
		t.Error("Clear leaked into another bucket")
	}
}
