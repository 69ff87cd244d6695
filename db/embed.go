// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for tenants, stores and processed orders.
//
//go:embed migrations/001_schema.sql
var Schema string
