package hfhub_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"speechtune/internal/hfhub"
	"speechtune/internal/services"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestParquetFilesFiltersSplitAndSendsToken(t *testing.T) {
	var gotAuth, gotQuery string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/parquet" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parquet_files":[
			{"dataset":"LIUM/tedlium","config":"release3","split":"train","url":"http://x/0.parquet","filename":"0.parquet","size":10},
			{"dataset":"LIUM/tedlium","config":"release3","split":"test","url":"http://x/t.parquet","filename":"t.parquet","size":3},
			{"dataset":"LIUM/tedlium","config":"release3","split":"train","url":"http://x/1.parquet","filename":"1.parquet","size":5}
		],"partial":true}`))
	})

	client := hfhub.NewClient(hfhub.Config{Token: "hf_abc", DatasetsServerURL: srv.URL, Endpoint: srv.URL})
	listing, err := client.ParquetFiles(context.Background(), "LIUM/tedlium", "release3", "train")
	if err != nil {
		t.Fatalf("ParquetFiles: %v", err)
	}
	if gotAuth != "Bearer hf_abc" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	for _, fragment := range []string{"dataset=LIUM%2Ftedlium", "config=release3", "split=train"} {
		if !strings.Contains(gotQuery, fragment) {
			t.Fatalf("query %q missing %q", gotQuery, fragment)
		}
	}
	if len(listing.Files) != 2 || listing.TotalBytes() != 15 || !listing.Partial {
		t.Fatalf("unexpected listing %+v", listing)
	}
}

func TestParquetFilesErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		status int
		body   string
		want   error
	}{
		{"unauthorized", "", http.StatusUnauthorized, `{"error":"nope"}`, services.ErrAuth},
		{"forbidden", "hf", http.StatusForbidden, `{"error":"nope"}`, services.ErrAuth},
		{"gated without token", "", http.StatusNotFound, `{"error":"not accessible without authentication (private or gated)"}`, services.ErrAuth},
		{"gated with token", "hf", http.StatusNotFound, `{"error":"not accessible without authentication (private or gated)"}`, services.ErrNotFound},
		{"missing", "", http.StatusNotFound, `{"error":"missing"}`, services.ErrNotFound},
		{"server", "", http.StatusBadGateway, ``, services.ErrTransient},
		{"teapot", "", http.StatusTeapot, ``, services.ErrExternalTool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			client := hfhub.NewClient(hfhub.Config{Token: tc.token, DatasetsServerURL: srv.URL})
			_, err := client.ParquetFiles(context.Background(), "a/b", "", "train")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var statusErr *hfhub.StatusError
			if !errors.As(err, &statusErr) || statusErr.StatusCode != tc.status {
				t.Fatalf("expected StatusError with %d, got %v", tc.status, err)
			}
		})
	}
}

func TestParquetFilesEmptyListingIsNotFound(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"parquet_files":[]}`))
	})
	client := hfhub.NewClient(hfhub.Config{DatasetsServerURL: srv.URL})
	_, err := client.ParquetFiles(context.Background(), "a/b", "x", "nosuch")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSplits(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/splits" || r.URL.Query().Get("dataset") != "facebook/voxpopuli" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"splits":[{"dataset":"facebook/voxpopuli","config":"en","split":"train"},{"dataset":"facebook/voxpopuli","config":"en","split":"test"}]}`))
	})
	client := hfhub.NewClient(hfhub.Config{DatasetsServerURL: srv.URL})
	splits, err := client.Splits(context.Background(), "facebook/voxpopuli")
	if err != nil {
		t.Fatalf("Splits: %v", err)
	}
	if len(splits) != 2 || splits[1].Split != "test" {
		t.Fatalf("unexpected splits %+v", splits)
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	payload := bytes.Repeat([]byte("PAR1"), 1024)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	client := hfhub.NewClient(hfhub.Config{Endpoint: srv.URL})
	var buf bytes.Buffer
	n, err := client.Download(context.Background(), srv.URL+"/file.parquet", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len(payload)) || !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("unexpected download result n=%d", n)
	}
}

func TestTokenNotSentToForeignHosts(t *testing.T) {
	var gotAuth string
	foreign := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	})
	client := hfhub.NewClient(hfhub.Config{Token: "secret", Endpoint: "https://huggingface.co", DatasetsServerURL: "https://datasets-server.huggingface.co"})
	if _, err := client.Download(context.Background(), foreign.URL+"/x", &bytes.Buffer{}); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("token leaked to foreign host: %q", gotAuth)
	}
}

func TestWhoAmI(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"name":"alice"}`))
	})

	if _, err := hfhub.NewClient(hfhub.Config{Endpoint: srv.URL}).WhoAmI(context.Background()); !hfhub.IsAuth(err) {
		t.Fatalf("expected auth error without token, got %v", err)
	}
	if _, err := hfhub.NewClient(hfhub.Config{Endpoint: srv.URL, Token: "bad"}).WhoAmI(context.Background()); !hfhub.IsAuth(err) {
		t.Fatalf("expected auth error for bad token, got %v", err)
	}
	name, err := hfhub.NewClient(hfhub.Config{Endpoint: srv.URL, Token: "good"}).WhoAmI(context.Background())
	if err != nil || name != "alice" {
		t.Fatalf("WhoAmI = %q, %v", name, err)
	}
}
