/*
Package cratemirror is a tool for building offline mirrors of crates.io.

cratemirror reads a directory produced by cargo vendor and downloads the
archive of every vendored crate into the registry's own layout, so that
cargo can use the result as a local registry. Features include:
  - crates.io compatible sharded archive paths
  - Concurrent downloads with bounded retries and per-request timeouts
  - Atomic archive writes and cooperative cancellation
  - A per-crate report that keeps going past single failures
  - File locking of the mirror directory

The main packages are:

	github.com/mirrorctl/cratemirror/internal/crate   - Package references, archive layout and manifest parsing
	github.com/mirrorctl/cratemirror/internal/mirror  - Vendor scanning, downloading, storage and orchestration
	github.com/mirrorctl/cratemirror/cmd/cratemirror  - Command-line interface
*/
package cratemirror
