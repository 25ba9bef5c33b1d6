package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"speechtune/internal/hfhub"
)

// HubServer fakes the datasets-server parquet listing, split listing, and
// shard downloads. Set Status (and Body) to make every request fail.
type HubServer struct {
	URL    string
	Status int
	Body   string

	mu       sync.Mutex
	shards   map[string][][]byte // "config/split" -> shard payloads
	requests atomic.Int32
}

// NewHubServer starts a server that is closed with the test.
func NewHubServer(t testing.TB) *HubServer {
	t.Helper()
	h := &HubServer{shards: map[string][][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(srv.Close)
	h.URL = srv.URL
	return h
}

// Add registers shard payloads for config/split.
func (h *HubServer) Add(config, split string, payloads ...[]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := config + "/" + split
	h.shards[key] = append(h.shards[key], payloads...)
}

// Requests returns how many requests the server has answered.
func (h *HubServer) Requests() int {
	return int(h.requests.Load())
}

func (h *HubServer) serve(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	if h.Status != 0 {
		w.WriteHeader(h.Status)
		_, _ = w.Write([]byte(h.Body))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	query := r.URL.Query()
	switch {
	case r.URL.Path == "/parquet":
		var files []hfhub.ParquetFile
		for key, payloads := range h.shards {
			config, split, _ := strings.Cut(key, "/")
			if config != query.Get("config") || split != query.Get("split") {
				continue
			}
			for i, p := range payloads {
				files = append(files, hfhub.ParquetFile{
					Dataset:  query.Get("dataset"),
					Config:   config,
					Split:    split,
					URL:      fmt.Sprintf("%s/files/%s/%s/%d.parquet", h.URL, config, split, i),
					Filename: fmt.Sprintf("%d.parquet", i),
					Size:     int64(len(p)),
				})
			}
		}
		_ = json.NewEncoder(w).Encode(hfhub.ParquetListing{Files: files})
	case r.URL.Path == "/splits":
		var splits []hfhub.SplitInfo
		for key := range h.shards {
			config, split, _ := strings.Cut(key, "/")
			splits = append(splits, hfhub.SplitInfo{Dataset: query.Get("dataset"), Config: config, Split: split})
		}
		slices.SortFunc(splits, func(a, b hfhub.SplitInfo) int { return strings.Compare(a.Split, b.Split) })
		_ = json.NewEncoder(w).Encode(map[string]any{"splits": splits})
	case strings.HasPrefix(r.URL.Path, "/files/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		var index int
		_, _ = fmt.Sscanf(parts[2], "%d.parquet", &index)
		payloads := h.shards[parts[0]+"/"+parts[1]]
		if index >= len(payloads) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payloads[index])
	default:
		http.NotFound(w, r)
	}
}
