// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so descriptor validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// DestinationDescriptorSchema is the embedded destination-descriptor JSON schema.
//
//go:embed destination-descriptor.schema.json
var DestinationDescriptorSchema []byte
