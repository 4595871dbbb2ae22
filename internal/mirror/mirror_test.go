package mirror

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/cratemirror/internal/crate"
)

func newTestBuilder(t *testing.T, config *Config, vendor string) (*Builder, string) {
	t.Helper()
	mirrorDir := filepath.Join(t.TempDir(), "mirror")
	b, err := NewBuilder(config, vendor, mirrorDir)
	if err != nil {
		t.Fatal(err)
	}
	return b, mirrorDir
}

func TestBuildLayout(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "foo/Cargo.toml", "foo", "1.2.3")
	writeManifest(t, vendor, "serde/Cargo.toml", "serde", "1.0.0")
	writeManifest(t, vendor, "rs/Cargo.toml", "rs", "0.1.0")
	writeManifest(t, vendor, "c/Cargo.toml", "c", "0.0.1")

	b, mirrorDir := newTestBuilder(t, testConfig(t, server.URL()), vendor)
	report, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Fatalf("report not OK: %v", report.Err())
	}

	expected := map[string]crate.PackageRef{
		"crates/3/foo/1.2.3/foo-1.2.3.crate":          {Name: "foo", Version: "1.2.3"},
		"crates/se/rd/serde/1.0.0/serde-1.0.0.crate": {Name: "serde", Version: "1.0.0"},
		"crates/2/rs/0.1.0/rs-0.1.0.crate":            {Name: "rs", Version: "0.1.0"},
		"crates/1/c/0.0.1/c-0.0.1.crate":              {Name: "c", Version: "0.0.1"},
	}
	for rel, ref := range expected {
		fp := filepath.Join(mirrorDir, filepath.FromSlash(rel))
		if got := readArchive(t, fp); got != archiveBody(ref) {
			t.Errorf("%s: content = %q", rel, got)
		}
	}

	if n := len(report.Mirrored()); n != 4 {
		t.Errorf("mirrored = %d, want 4", n)
	}
	for _, e := range report.Entries() {
		if e.File == nil || e.File.SHA256() == "" {
			t.Errorf("%s: no file info", e.Ref)
		}
	}
}

func TestBuildContinuesOnFetchFailure(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "anyhow/Cargo.toml", "anyhow", "1.0.81")
	writeManifest(t, vendor, "bytes/Cargo.toml", "bytes", "1.5.0")
	writeManifest(t, vendor, "cfg-if/Cargo.toml", "cfg-if", "1.0.0")

	broken := crate.PackageRef{Name: "bytes", Version: "1.5.0"}
	server.respond(broken, http.StatusForbidden)

	b, _ := newTestBuilder(t, testConfig(t, server.URL()), vendor)
	report, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Error("report should not be OK")
	}

	failed := report.Failed()
	if len(failed) != 1 || failed[0].Ref != broken {
		t.Fatalf("failed = %v", failed)
	}
	if !errors.Is(failed[0].Err, ErrFetch) {
		t.Errorf("failure cause = %v, want ErrFetch", failed[0].Err)
	}

	for _, ref := range []crate.PackageRef{{Name: "anyhow", Version: "1.0.81"}, {Name: "cfg-if", Version: "1.0.0"}} {
		exists, err := b.Storage().Exists(ref)
		if err != nil {
			t.Fatal(err)
		}
		if !exists {
			t.Errorf("%s should be in the mirror", ref)
		}
	}

	if err := report.Err(); !errors.Is(err, ErrFetch) {
		t.Errorf("report.Err() = %v, want ErrFetch", err)
	}
}

func TestBuildRecordsScanErrors(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "itoa/Cargo.toml", "itoa", "1.0.10")
	writeFile(t, filepath.Join(vendor, "ryu", "Cargo.toml"), "[package]\nname = \"ryu\"\n")

	b, _ := newTestBuilder(t, testConfig(t, server.URL()), vendor)
	report, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Mirrored()) != 1 {
		t.Errorf("mirrored = %d, want 1", len(report.Mirrored()))
	}
	scanErrs := report.ScanErrors()
	if len(scanErrs) != 1 || !errors.Is(scanErrs[0], ErrMissingField) {
		t.Errorf("scan errors = %v", scanErrs)
	}
	if report.OK() {
		t.Error("report with scan errors is not OK")
	}
}

func TestBuildFailFast(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	var refs []crate.PackageRef
	for _, name := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		writeManifest(t, vendor, name+"/Cargo.toml", name, "1.0.0")
		refs = append(refs, crate.PackageRef{Name: name, Version: "1.0.0"})
	}
	server.respond(refs[0], http.StatusNotFound)

	config := testConfig(t, server.URL())
	config.MaxConns = 1
	config.FailFast = true
	b, _ := newTestBuilder(t, config, vendor)

	report, err := b.Build(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("Build() error = %v, want ErrFetch", err)
	}
	if report == nil {
		t.Fatal("partial report expected")
	}
	if len(report.Failed()) != 1 {
		t.Errorf("failed = %d, want 1", len(report.Failed()))
	}

	done := len(report.Entries()) + report.NotAttempted()
	if done != len(refs) {
		t.Errorf("entries + not attempted = %d, want %d", done, len(refs))
	}
	if report.NotAttempted() == 0 {
		t.Error("fail-fast should stop scheduling")
	}
}

func TestBuildFailFastOnScanError(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeFile(t, filepath.Join(vendor, "bad", "Cargo.toml"), "not toml at all [")
	writeManifest(t, vendor, "good/Cargo.toml", "good", "1.0.0")

	config := testConfig(t, server.URL())
	config.FailFast = true
	b, _ := newTestBuilder(t, config, vendor)

	_, err := b.Build(context.Background())
	if !errors.Is(err, ErrManifestParse) {
		t.Errorf("Build() error = %v, want ErrManifestParse", err)
	}
	if server.Requests() != 0 {
		t.Error("no download should start after a scan error")
	}
}

func TestBuildSkipExisting(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "memchr/Cargo.toml", "memchr", "2.7.1")
	writeManifest(t, vendor, "log/Cargo.toml", "log", "0.4.21")

	config := testConfig(t, server.URL())
	config.SkipExisting = true
	b, mirrorDir := newTestBuilder(t, config, vendor)

	existing := filepath.Join(mirrorDir, "crates", "me", "mc", "memchr", "2.7.1", "memchr-2.7.1.crate")
	writeFile(t, existing, "already here")

	report, err := b.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if server.Requests() != 1 {
		t.Errorf("requests = %d, want 1", server.Requests())
	}
	if got := readArchive(t, existing); got != "already here" {
		t.Errorf("existing archive was rewritten: %q", got)
	}

	skipped := report.Skipped()
	if len(skipped) != 1 || skipped[0].Ref.Name != "memchr" {
		t.Errorf("skipped = %v", skipped)
	}
	if len(report.Mirrored()) != 1 {
		t.Errorf("mirrored = %d, want 1", len(report.Mirrored()))
	}
	if !report.OK() {
		t.Error("skipped entries keep the report OK")
	}
}

func TestBuildRefetchesByDefault(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "memchr/Cargo.toml", "memchr", "2.7.1")

	b, mirrorDir := newTestBuilder(t, testConfig(t, server.URL()), vendor)
	existing := filepath.Join(mirrorDir, "crates", "me", "mc", "memchr", "2.7.1", "memchr-2.7.1.crate")
	writeFile(t, existing, "stale")

	if _, err := b.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := archiveBody(crate.PackageRef{Name: "memchr", Version: "2.7.1"})
	if got := readArchive(t, existing); got != want {
		t.Errorf("archive = %q, want %q", got, want)
	}
}

func TestBuildCancel(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	server.block = make(chan struct{})
	server.started = make(chan string, 16)

	vendor := t.TempDir()
	for _, name := range []string{"b1", "b2", "b3", "b4", "b5"} {
		writeManifest(t, vendor, name+"/Cargo.toml", name, "1.0.0")
	}

	config := testConfig(t, server.URL())
	config.MaxConns = 2
	b, mirrorDir := newTestBuilder(t, config, vendor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type buildResult struct {
		report *Report
		err    error
	}
	done := make(chan buildResult, 1)
	go func() {
		report, err := b.Build(ctx)
		done <- buildResult{report, err}
	}()

	// two downloads in flight, then stop
	<-server.started
	<-server.started
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(server.block)

	var res buildResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Build did not return after cancel")
	}

	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("Build() error = %v, want context.Canceled", res.err)
	}
	if n := len(res.report.Mirrored()); n != 2 {
		t.Errorf("in-flight downloads should complete: mirrored = %d, want 2", n)
	}
	if n := res.report.NotAttempted(); n != 3 {
		t.Errorf("not attempted = %d, want 3", n)
	}
	if left := tempFiles(t, mirrorDir); len(left) != 0 {
		t.Errorf("temporary files left: %v", left)
	}
	for _, e := range res.report.Mirrored() {
		if got := readArchive(t, e.Path); got != archiveBody(e.Ref) {
			t.Errorf("%s: content = %q", e.Ref, got)
		}
	}
}

func TestMirrorInvalidAddressIsFatal(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	b, _ := newTestBuilder(t, testConfig(t, server.URL()), t.TempDir())

	refs := []crate.PackageRef{{Name: "", Version: "1.0.0"}}
	report, err := b.Mirror(context.Background(), refs)
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Mirror() error = %v, want ErrInvalidAddress", err)
	}
	if len(report.Failed()) != 1 {
		t.Errorf("failed = %d, want 1", len(report.Failed()))
	}
}

func TestMirrorRejectsUnsafeRefs(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	b, mirrorDir := newTestBuilder(t, testConfig(t, server.URL()), t.TempDir())

	good := crate.PackageRef{Name: "serde", Version: "1.0.0"}
	refs := []crate.PackageRef{{Name: "..", Version: "1.0"}, good}
	report, err := b.Mirror(context.Background(), refs)
	if err != nil {
		t.Fatal(err)
	}

	failed := report.Failed()
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
	if !errors.Is(failed[0].Err, ErrInvalidRef) {
		t.Errorf("error = %v, want ErrInvalidRef", failed[0].Err)
	}
	if failed[0].Path != "" {
		t.Errorf("path = %q, want none", failed[0].Path)
	}
	if len(report.Mirrored()) != 1 {
		t.Errorf("mirrored = %d, want 1", len(report.Mirrored()))
	}
	if server.Requests() != 1 {
		t.Errorf("requests = %d, want 1", server.Requests())
	}
	if _, err := os.Stat(filepath.Join(mirrorDir, "crates", "1.0")); !os.IsNotExist(err) {
		t.Errorf("collapsed path was written: %v", err)
	}
}

func TestMirrorDuplicates(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	b, _ := newTestBuilder(t, testConfig(t, server.URL()), t.TempDir())

	ref := crate.PackageRef{Name: "quote", Version: "1.0.35"}
	report, err := b.Mirror(context.Background(), []crate.PackageRef{ref, ref, ref})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Mirrored()) != 3 {
		t.Errorf("mirrored = %d, want 3", len(report.Mirrored()))
	}
	if server.Requests() != 3 {
		t.Errorf("requests = %d, duplicates are not deduplicated", server.Requests())
	}

	fp, err := b.Storage().ArchivePath(ref)
	if err != nil {
		t.Fatal(err)
	}
	if got := readArchive(t, fp); got != archiveBody(ref) {
		t.Errorf("content = %q", got)
	}
}

func TestBuildCallbacks(t *testing.T) {
	t.Parallel()

	server := newCrateServer(t)
	vendor := t.TempDir()
	writeManifest(t, vendor, "x1/Cargo.toml", "x1", "1.0.0")
	writeManifest(t, vendor, "x2/Cargo.toml", "x2", "1.0.0")

	b, _ := newTestBuilder(t, testConfig(t, server.URL()), vendor)
	var total, results int
	b.OnScan = func(n int) { total = n }
	b.OnResult = func(*Entry) { results++ }

	if _, err := b.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	if total != 2 || results != 2 {
		t.Errorf("OnScan total = %d, OnResult calls = %d", total, results)
	}
}

func TestNewBuilder(t *testing.T) {
	t.Parallel()

	config := NewConfig()
	config.MaxConns = 0
	if _, err := NewBuilder(config, t.TempDir(), t.TempDir()); err == nil {
		t.Error("invalid config should be rejected")
	}

	f := filepath.Join(t.TempDir(), "file")
	writeFile(t, f, "")
	if _, err := NewBuilder(NewConfig(), t.TempDir(), f); err == nil {
		t.Error("mirror root must be a directory")
	}

	mirrorDir := filepath.Join(t.TempDir(), "new", "mirror")
	if _, err := NewBuilder(NewConfig(), t.TempDir(), mirrorDir); err != nil {
		t.Fatal(err)
	}
	if st, err := os.Stat(mirrorDir); err != nil || !st.IsDir() {
		t.Errorf("mirror root should be created: %v", err)
	}
}
