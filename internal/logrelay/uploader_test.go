package logrelay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPUploader_Upload(t *testing.T) {
	var gotTitle, gotMap, gotKey, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTitle = r.FormValue("title")
		gotMap = r.FormValue("map")
		gotKey = r.FormValue("key")
		f, _, err := r.FormFile("logfile")
		if err != nil {
			t.Errorf("log file: %v", err)
		} else {
			b, _ := io.ReadAll(f)
			f.Close()
			gotFile = string(b)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"url":"https://logs.example.com/1234"}`)
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, "secret-key")
	url, err := u.Upload(context.Background(), "cp_process", 42, "L line one\nL line two")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://logs.example.com/1234" {
		t.Fatalf("url = %q", url)
	}
	if gotTitle != "Game #42" || gotMap != "cp_process" || gotKey != "secret-key" {
		t.Fatalf("form = %q %q %q", gotTitle, gotMap, gotKey)
	}
	if gotFile != "L line one\nL line two" {
		t.Fatalf("file = %q", gotFile)
	}
}

func TestHTTPUploader_RejectedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	u := NewHTTPUploader(srv.URL, "")
	if _, err := u.Upload(context.Background(), "cp_process", 1, "L line"); err == nil {
		t.Fatal("want error on non-2xx response")
	}
}
