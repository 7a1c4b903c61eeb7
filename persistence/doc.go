// Copyright (c) AgentOrch Authors.
// Licensed under the MIT License.

// Package persistence provides durable storage for workflows, checkpoints
// and usage records.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - SQL: GORM on postgres, mysql or sqlite
//   - Redis: JSON records with sorted-set indexes
//
// Checkpoints are write-once and are removed only by the retention Sweeper.
package persistence
