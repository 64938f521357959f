package models

import (
	"encoding/json"
	"regexp"
)

// ToolNamePattern is the required shape of a registered tool's name.
var ToolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// XMLFieldKind describes how one argument field is extracted from an
// embedded XML tool-call element.
type XMLFieldKind string

const (
	XMLFieldAttribute XMLFieldKind = "attribute"
	XMLFieldElement   XMLFieldKind = "element"
	XMLFieldContent   XMLFieldKind = "content"
	XMLFieldText      XMLFieldKind = "text"
	XMLFieldRoot      XMLFieldKind = "root"
	XMLFieldXPath     XMLFieldKind = "xpath"
)

// XMLValueType is the declared coercion target for a bound field's raw
// string value.
type XMLValueType string

const (
	XMLValueString  XMLValueType = "string"
	XMLValueInt     XMLValueType = "int"
	XMLValueFloat   XMLValueType = "float"
	XMLValueBoolean XMLValueType = "boolean"
	XMLValueJSON    XMLValueType = "json"
)

// XMLFieldBinding maps one tool argument to a location within an embedded
// XML element.
type XMLFieldBinding struct {
	Kind XMLFieldKind `json:"kind"`
	// Path is the attribute name, descendant element name, or xpath
	// expression, depending on Kind. Unused for content/text/root.
	Path      string       `json:"path,omitempty"`
	ValueType XMLValueType `json:"value_type"`
}

// XMLBinding describes how a registered tool's arguments are populated from
// an embedded XML tag of the given name.
type XMLBinding struct {
	Tag    string                     `json:"tag"`
	Fields map[string]XMLFieldBinding `json:"fields"`
}

// ToolSchema is the machine-readable description of a registered tool,
// exported to the LLM as part of the prompt.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	XML         *XMLBinding     `json:"xml,omitempty"`
}
