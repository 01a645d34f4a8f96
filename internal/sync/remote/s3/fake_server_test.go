package s3

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"
)

type fakeObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// fakeS3 is a path-style, single-bucket object store for tests.
type fakeS3 struct {
	t        *testing.T
	bucket   string
	mu       gosync.Mutex
	objects  map[string]*fakeObject
	now      time.Time
	pageSize int
	status   int // forced status for every request when non-zero
	requests []*http.Request
	seq      int
}

func newFakeS3(t *testing.T) (*fakeS3, *Client) {
	t.Helper()
	f := &fakeS3{
		t:        t,
		bucket:   "test-bucket",
		objects:  make(map[string]*fakeObject),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		pageSize: 2,
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	client := NewClient(&Config{
		Endpoint:       server.URL,
		BucketName:     f.bucket,
		AccessKey:      "test-access-key",
		SecretKey:      "test-secret-key",
		Region:         "us-east-1",
		ForcePathStyle: true,
	})
	return f, client
}

func (f *fakeS3) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)

	if r.Header.Get("X-Amz-Date") == "" || !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 ") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprint(w, "forced")
		return
	}

	prefix := "/" + f.bucket
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")

	switch {
	case r.Method == http.MethodGet && key == "":
		f.list(w, r)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", obj.etag)
		w.Write(obj.data)
	case r.Method == http.MethodPut:
		obj, exists := f.objects[key]
		if m := r.Header.Get("If-Match"); m != "" && (!exists || obj.etag != m) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if r.Header.Get("If-None-Match") == "*" && exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.seq++
		f.objects[key] = &fakeObject{data: data, etag: fmt.Sprintf(`"etag-%d"`, f.seq), modified: f.now}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("list-type") != "2" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, q.Get("prefix")) && k > q.Get("continuation-token") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	type content struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		ETag         string `xml:"ETag"`
		Size         int64  `xml:"Size"`
	}
	type result struct {
		XMLName               xml.Name  `xml:"ListBucketResult"`
		IsTruncated           bool      `xml:"IsTruncated"`
		NextContinuationToken string    `xml:"NextContinuationToken,omitempty"`
		Contents              []content `xml:"Contents"`
	}
	res := result{}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		res.IsTruncated = true
		res.NextContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		obj := f.objects[k]
		res.Contents = append(res.Contents, content{
			Key: k, LastModified: obj.modified.Format(time.RFC3339), ETag: obj.etag, Size: int64(len(obj.data)),
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(res)
}
