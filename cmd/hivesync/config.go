// Copyright 2025 The hivesync Authors
// This file is part of hivesync.
//
// hivesync is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// hivesync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with hivesync. If not, see <http://www.gnu.org/licenses/>.

package main

import "fmt"

// Config holds the hivesync daemon configuration.
type Config struct {
	SteemdEndpoint string
	DatabaseURL    string
	MaxWorkers     int // Concurrent upstream batch requests (max 500)
	MaxBatch       int // JSON-RPC batch size per request (max 5000)
	TrailBlocks    int // Live-mode reorg buffer depth (max 24)
	CheckpointDir  string
	LogLevel       string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SteemdEndpoint == "" {
		return fmt.Errorf("steemd-endpoint is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database-url is required")
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > 500 {
		return fmt.Errorf("max-workers must be in [1, 500], got %d", c.MaxWorkers)
	}
	if c.MaxBatch < 1 || c.MaxBatch > 5000 {
		return fmt.Errorf("max-batch must be in [1, 5000], got %d", c.MaxBatch)
	}
	if c.TrailBlocks < 0 || c.TrailBlocks > 24 {
		return fmt.Errorf("trail-blocks must be in [0, 24], got %d", c.TrailBlocks)
	}
	return nil
}
