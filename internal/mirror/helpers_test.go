package mirror

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

// writeManifest writes a minimal Cargo.toml at root/rel.
func writeManifest(t *testing.T, root, rel, name, version string) {
	t.Helper()
	writeFile(t, filepath.Join(root, rel), fmt.Sprintf("[package]\nname = %q\nversion = %q\nedition = \"2021\"\n", name, version))
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// archiveBody is what the test registry serves for ref.
func archiveBody(ref crate.PackageRef) string {
	return "crate archive of " + ref.String() + "\x00\x1f\x8b"
}

// crateServer is a fake registry download endpoint.
type crateServer struct {
	server *httptest.Server

	mu       sync.Mutex
	statuses map[string][]int // per path, consumed one per request
	delay    time.Duration
	block    chan struct{} // if set, handlers wait on it before answering
	started  chan string   // if set, receives the path of every request

	requests int64
}

func newCrateServer(t *testing.T) *crateServer {
	t.Helper()
	s := &crateServer{statuses: make(map[string][]int)}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *crateServer) URL() string {
	return s.server.URL + "/"
}

func (s *crateServer) Requests() int64 {
	return atomic.LoadInt64(&s.requests)
}

// respond queues status codes for the download path of ref.
// Once the queue is empty the server answers 200.
func (s *crateServer) respond(ref crate.PackageRef, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := "/" + ref.DownloadPath()
	s.statuses[p] = append(s.statuses[p], statuses...)
}

func (s *crateServer) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&s.requests, 1)
	if s.started != nil {
		s.started <- r.URL.Path
	}
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	status := http.StatusOK
	if q := s.statuses[r.URL.Path]; len(q) > 0 {
		status = q[0]
		s.statuses[r.URL.Path] = q[1:]
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	// crates/<name>/<name>-<version>.crate
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "crates" {
		http.NotFound(w, r)
		return
	}
	name := parts[1]
	version := strings.TrimSuffix(strings.TrimPrefix(parts[2], name+"-"), crate.ArchiveExt)
	w.Write([]byte(archiveBody(crate.PackageRef{Name: name, Version: version})))
}

// testConfig returns a config pointing at registryURL with fast retries.
func testConfig(t *testing.T, registryURL string) *Config {
	t.Helper()
	c := NewConfig()
	if err := c.SetRegistryURL(registryURL); err != nil {
		t.Fatal(err)
	}
	c.MaxConns = 3
	c.SetRetryWait(time.Millisecond, 5*time.Millisecond)
	c.SetTimeout(5 * time.Second)
	return c
}

// newTestStorage returns Storage on a fresh temp dir.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func readArchive(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("archive %s: %v", p, err)
	}
	return string(data)
}

// tempFiles returns leftover temporary files under dir.
func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	var found []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(info.Name(), tempPrefix) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return found
}
