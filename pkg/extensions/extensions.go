// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable parts of the study service.
//
// A deployment that needs more than a shared researcher token (an
// institutional SSO in front of the data export, for example) supplies
// its own AuthProvider through ServiceOptions instead of patching the
// service.
//
// # Usage
//
//	opts := extensions.DefaultOptions()
//	svc, err := study.New(cfg, study.Options{Extensions: opts})
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points of the study service.
//
// All fields are optional; nil values are replaced with defaults by
// WithDefaults.
type ServiceOptions struct {
	// DataAuth guards the research data export. Participants never
	// authenticate; only researchers reading results do.
	DataAuth AuthProvider
}

// DefaultOptions returns options with every extension point open.
func DefaultOptions() *ServiceOptions {
	return &ServiceOptions{DataAuth: &NopAuthProvider{}}
}

// WithDataAuth returns a copy of o using provider for the data export.
func (o *ServiceOptions) WithDataAuth(provider AuthProvider) *ServiceOptions {
	out := o.WithDefaults()
	out.DataAuth = provider
	return out
}

// WithDefaults returns a copy of o with nil fields filled in. A nil
// receiver yields DefaultOptions.
func (o *ServiceOptions) WithDefaults() *ServiceOptions {
	if o == nil {
		return DefaultOptions()
	}
	out := *o
	if out.DataAuth == nil {
		out.DataAuth = &NopAuthProvider{}
	}
	return &out
}
