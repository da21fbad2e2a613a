// Package core holds the tagmesh domain values and the storage ports the
// rest of the module is written against.
package core

import (
	"encoding/json"
	"fmt"
)

// Tag identifies a category of annotation and the color it is displayed with.
// Tags are shared by every entity and every subject of one deployment.
type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// TagDefinitions maps a tag name to its shared definition.
type TagDefinitions map[string]*Tag

// Clone returns a copy whose Tag values are detached from d.
func (d TagDefinitions) Clone() TagDefinitions {
	out := make(TagDefinitions, len(d))
	for name, tag := range d {
		if tag == nil {
			continue
		}
		t := *tag
		out[name] = &t
	}
	return out
}

// User is the author of annotations. It is derived from connection
// credentials and never stored as a record of its own.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Annotation is one application of a tag to one entity.
type Annotation struct {
	Definition *Tag
	Notes      string
	Username   string
}

// NewAnnotation builds an annotation bound to the shared tag definition.
func NewAnnotation(def *Tag, notes, username string) *Annotation {
	return &Annotation{Definition: def, Notes: notes, Username: username}
}

// Tag returns the name of the applied tag.
func (a *Annotation) Tag() string {
	if a == nil || a.Definition == nil {
		return ""
	}
	return a.Definition.Name
}

// Color returns the display color of the applied tag.
func (a *Annotation) Color() string {
	if a == nil || a.Definition == nil {
		return ""
	}
	return a.Definition.Color
}

type annotationJSON struct {
	Tag      string `json:"tag"`
	Color    string `json:"color"`
	Notes    string `json:"notes"`
	Username string `json:"username,omitempty"`
}

// MarshalJSON flattens the shared definition into the stored shape.
func (a Annotation) MarshalJSON() ([]byte, error) {
	return json.Marshal(annotationJSON{
		Tag:      a.Tag(),
		Color:    a.Color(),
		Notes:    a.Notes,
		Username: a.Username,
	})
}

// UnmarshalJSON restores a detached definition; loaders rebind it to the
// shared TagDefinitions entry when one exists.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var raw annotationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Definition = &Tag{Name: raw.Tag, Color: raw.Color}
	a.Notes = raw.Notes
	a.Username = raw.Username
	return nil
}

// Entity is a named item of a subject that carries annotations.
// ID is set from the name at construction and never changes.
type Entity struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Type string                 `json:"type,omitempty"`
	Tags map[string]*Annotation `json:"tags"`
}

// NewEntity returns an unsaved entity whose ID equals its name.
func NewEntity(name string) *Entity {
	return &Entity{
		ID:   name,
		Name: name,
		Tags: make(map[string]*Annotation),
	}
}

// IsVirtual reports whether the entity carries no annotations.
// Virtual entities are never written on their own.
func (e *Entity) IsVirtual() bool {
	return len(e.Tags) == 0
}

// Clone returns a deep copy. Definitions stay shared.
func (e *Entity) Clone() *Entity {
	out := &Entity{
		ID:   e.ID,
		Name: e.Name,
		Type: e.Type,
		Tags: make(map[string]*Annotation, len(e.Tags)),
	}
	for name, a := range e.Tags {
		if a == nil {
			continue
		}
		cp := *a
		out.Tags[name] = &cp
	}
	return out
}

// EventType represents the kind of repository change.
type EventType string

const (
	EventReload         EventType = "RELOAD"
	EventConnected      EventType = "CONNECTED"
	EventDisconnected   EventType = "DISCONNECTED"
	EventSubjectChanged EventType = "SUBJECT_CHANGED"
)

// Event is published by a repository whenever its in-memory view changes
// for a reason other than a local mutation.
type Event struct {
	Type      EventType
	Subject   string
	Timestamp int64 // Unix timestamp
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Subject)
}
