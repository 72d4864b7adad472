// Package nodelab embeds the API description served by cmd/api.
package nodelab

import _ "embed"

//go:embed openapi.yaml
var OpenAPIYAML []byte
