// Beacon - embedded application performance and error monitoring
// Copyright 2026 The Beacon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beaconapm/beacon

// Package validation provides struct validation using go-playground/validator v10, wrapped as
// internal/config's one caller needs it: a single readable error instead of a slice of
// validator.FieldError values.
//
// # Quick Start
//
//	type BufferConfig struct {
//	    MaxBytes int64 `koanf:"max_bytes" validate:"gt=0"`
//	}
//
//	func (c *Config) Validate() error {
//	    if verr := validation.ValidateStruct(c); verr != nil && len(verr.Errors()) > 0 {
//	        return fmt.Errorf("config: %w", verr)
//	    }
//	    return nil
//	}
//
// # Supported Tags
//
// Whatever go-playground/validator supports; internal/config currently uses:
//   - required: field must be set
//   - gt=n / gte=n: numeric lower bound
//   - oneof=a b c: must be one of the listed values
//
// # Error Types
//
// ValidationError represents a single field validation failure (Field, Tag, Param, Value, Error).
// RequestValidationError aggregates the failures from one ValidateStruct call (Errors, Error).
//
// # Thread Safety
//
// The singleton validator is initialized once and safe for concurrent use:
//
//	validate := validation.GetValidator()  // thread-safe
//	err := validation.ValidateStruct(&cfg) // thread-safe
package validation
