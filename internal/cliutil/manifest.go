package cliutil

import (
	"github.com/Paintersrp/procwatch/internal/config"
)

// ManifestDocument bundles a loaded manifest with its origin and lint output.
type ManifestDocument struct {
	Manifest *config.Manifest
	Source   string
	Warnings []string
}

// LoadManifestFromFile loads, defaults and validates a manifest.
func LoadManifestFromFile(path string) (*ManifestDocument, error) {
	doc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &ManifestDocument{Manifest: doc, Source: path, Warnings: doc.Warnings()}, nil
}
