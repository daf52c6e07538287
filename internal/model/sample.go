package model

import "time"

// Sample is an immutable reference to a submitted suspect binary.
// Created on submission; never mutated.
type Sample struct {
	SampleID   string    `json:"sample_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	HashHex    string    `json:"hash_hex"`
	SizeBytes  int64     `json:"size_bytes"`
	ReceivedAt time.Time `json:"received_at"`
}
