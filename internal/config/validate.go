package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchemaFile(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchemaFile
}

// ValidateDocument checks a raw config document against the config
// JSON schema before it is trusted for decoding into a Config. Callers
// that don't need schema validation can decode with Load directly.
func ValidateDocument(raw []byte) error {
	sch, err := jsonschema.Compile("embedFS://schemas/config.schema.json")
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decoding config document: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config document failed schema validation: %#v", err)
	}
	return nil
}
