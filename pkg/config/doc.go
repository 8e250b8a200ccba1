// Package config loads plugsync settings and declaration documents.
//
// # Settings
//
// Settings are read from plugsync.yaml on top of DefaultSettings. Relative
// paths in the file resolve against the file's directory. Validation uses
// go-playground/validator struct tags and runs after command-line overrides
// have been applied:
//
//	s, err := config.LoadSettingsOrDefault("plugsync.yaml")
//	if err != nil {
//	    return err
//	}
//	s.Scope = scopeFlag
//	if err := s.Validate(); err != nil {
//	    return err
//	}
//
// # Declaration documents
//
// A declaration document lists plugin types, steps and images. It may be
// written as JSON, YAML or CUE; the extension selects the format. Every format
// is unified with the #Declaration CUE schema held in a SchemaRegistry, then
// decoded and checked field by field. Any problem is reported as a
// MALFORMED_DECLARATION engine error naming the first offending field.
//
// Stage, mode and image type accept a name (case-insensitive) or the
// platform's numeric code. Steps without a mode are synchronous and steps
// without a rank get DefaultRank.
//
// # Watching
//
// Watcher reports debounced changes to a set of files and drives
// "plugsync plan --watch".
package config
