// Package source provides policy document loaders: a directory of YAML
// files, an environment-variable source for minimal deployments, and an
// in-memory source for tests. A file watcher can push eager reloads into a
// policy store between lazy refreshes.
package source
