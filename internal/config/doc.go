// Package config provides configuration management for the partbak CLI.
//
// # Configuration File
//
// The default configuration file location is ~/.config/partbak/config.yaml.
// The configuration file uses YAML format with the following structure:
//
//	block_size: 1m
//	part_size: 100m
//	snapshots: 4
//	link: hard
//	chain_hash: sha1
//	keep_null_parts: false
//
// Sizes use dd operand notation: a plain number in decimal, hex (0x...)
// or octal (0...), optionally followed by one of the suffixes b (512),
// k (1024), m (1024*1024), g (1024^3) or w (4).
//
// # Loading Configuration
//
// Call [Init] once at startup, then [Load]:
//
//	config.Init()
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//
// Every value can be overridden by a PARTBAK_ environment variable, e.g.
// PARTBAK_PART_SIZE=250m.
//
// # Validation
//
// Loaded configurations should be checked with [Validate]:
//
//	if errs := config.Validate(cfg); len(errs) > 0 {
//	    ...
//	}
package config
