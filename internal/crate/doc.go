// Package crate holds the registry-level types of a crates.io mirror:
// package references, the sharded archive layout, the download URL
// template and the Cargo.toml fields the mirror cares about.
//
// Nothing in this package touches the network.
package crate
