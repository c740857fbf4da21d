// Package config loads and validates the agentvfs configuration document:
// the backend registry, mount table, and default index/watch settings.
//
// Configuration sources are layered with environment variables taking
// precedence over a loaded YAML file, which takes precedence over
// NewDefault()'s compiled-in defaults:
//
//	Environment (AGENTVFS_*)
//	    ↓
//	YAML file
//	    ↓
//	NewDefault()
//
// Call Validate after loading; it reports every structural problem found
// (duplicate or overlapping mount paths, undefined backend references,
// malformed per-backend-type fields) rather than stopping at the first.
package config
