package fs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/tagmesh/pkg/core"
)

// envelope is the on-disk shape of one document.
type envelope struct {
	ID   string         `json:"_id" yaml:"_id"`
	Rev  string         `json:"_rev,omitempty" yaml:"_rev,omitempty"`
	Body map[string]any `json:"body" yaml:"body"`
}

// Serializer defines how to read and write a document file format.
type Serializer interface {
	// Ext is the file extension, including the dot.
	Ext() string
	Marshal(env envelope) ([]byte, error)
	Unmarshal(data []byte) (envelope, error)
}

// Serializers returns the supported formats keyed by name.
func Serializers() map[string]Serializer {
	return map[string]Serializer{
		"json": JSONSerializer{},
		"yaml": YAMLSerializer{},
	}
}

// SerializerFor returns the serializer registered under format. An empty
// format selects JSON.
func SerializerFor(format string) (Serializer, error) {
	if format == "" {
		format = "json"
	}
	s, ok := Serializers()[format]
	if !ok {
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return s, nil
}

// JSONSerializer stores documents as indented JSON.
type JSONSerializer struct{}

func (JSONSerializer) Ext() string { return ".json" }

func (JSONSerializer) Marshal(env envelope) ([]byte, error) {
	return json.MarshalIndent(env, "", "  ")
}

func (JSONSerializer) Unmarshal(data []byte) (envelope, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("invalid json: %w", err)
	}
	return normalize(env)
}

// YAMLSerializer stores documents as YAML, convenient for hand edits.
type YAMLSerializer struct{}

func (YAMLSerializer) Ext() string { return ".yaml" }

func (YAMLSerializer) Marshal(env envelope) ([]byte, error) {
	return yaml.Marshal(env)
}

func (YAMLSerializer) Unmarshal(data []byte) (envelope, error) {
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("invalid yaml: %w", err)
	}
	return normalize(env)
}

// normalize gives bodies decoded from any format the JSON value shapes every
// other store returns, so revision digests agree across formats.
func normalize(env envelope) (envelope, error) {
	if env.Body == nil {
		env.Body = map[string]any{}
	}
	body, err := core.CloneBody(env.Body)
	if err != nil {
		return envelope{}, err
	}
	env.Body = body
	return env, nil
}
