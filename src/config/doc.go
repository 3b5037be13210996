// Package config defines the configuration for a strand node.
//
// Regardless of how strand is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. The CLI binds
// the same options from persistent flags and from an optional strand.toml
// file in the datadir.
package config
