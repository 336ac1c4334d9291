// Package config loads, validates and saves the SemTree configuration.
//
// Values come from three layers in increasing precedence: built-in defaults
// (Default), an optional JSON or YAML file, and SEMTREE_ environment
// variables where dots become underscores:
//
//	SEMTREE_LOG_LEVEL=debug
//	SEMTREE_TRANSPORTS_WEBSOCKET_PORT=9000
//	SEMTREE_TRANSPORTS_NATS_ENABLED=true
//
// Durations accept Go duration strings ("250ms", "5s").
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("semtree.yaml")
//	if err != nil {
//		return err
//	}
//	safe := config.NewSafeConfig(cfg)
//
// SafeConfig hands out deep copies under an RWMutex so callers never share a
// mutable Config. SaveToFile writes YAML for .yaml and .yml paths and JSON
// otherwise, with owner-only permissions.
package config
