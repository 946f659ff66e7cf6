// Package config loads, normalizes, and validates mpiapp configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML or YAML files. The Config type centralizes every
// knob the daemon and CLI need: watch and output directories, the GPU list,
// dump cadence, microscope parameters, and the per-stage tool settings whose
// option tables are checked later against each stage's option schema.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
