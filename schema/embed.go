package schema

import _ "embed"

// ManifestV1Schema contains the JSON schema for procwatch manifests.
//
//go:embed procwatch.v1.json
var ManifestV1Schema []byte
