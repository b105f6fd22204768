package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ComponentType tags the variants of Component
type ComponentType string

const (
	ComponentText  ComponentType = "text"
	ComponentImage ComponentType = "image"
	ComponentTable ComponentType = "table"
)

// ErrUnknownComponentType is returned when decoding a component whose tag is not
// text, image or table.
var ErrUnknownComponentType = errors.New("unknown component type")

// TextRole distinguishes headings from body text
type TextRole string

const (
	RoleHeading   TextRole = "heading"
	RoleParagraph TextRole = "paragraph"
)

// Component is one structural unit of a parsed page. The set of implementations
// is closed: TextComponent, ImageComponent and TableComponent.
type Component interface {
	ComponentID() string
	ComponentOrder() int
	Type() ComponentType
	// Content is the text the chunker operates on.
	Content() string
	isComponent()
}

// TextComponent is a heading or a paragraph
type TextComponent struct {
	ID    string   `json:"id"`
	Order int      `json:"order"`
	Role  TextRole `json:"role"`
	Level int      `json:"level,omitempty"`
	Text  string   `json:"text"`
}

// ImageComponent is a figure with its model-generated description and any text
// recognized inside it
type ImageComponent struct {
	ID             string `json:"id"`
	Order          int    `json:"order"`
	Description    string `json:"description"`
	RecognizedText string `json:"recognized_text,omitempty"`
}

// TableComponent is a table with its rows, caption and model-generated summary
type TableComponent struct {
	ID      string     `json:"id"`
	Order   int        `json:"order"`
	Caption string     `json:"caption,omitempty"`
	Rows    [][]string `json:"rows"`
	Summary string     `json:"summary"`
}

func (c TextComponent) ComponentID() string { return c.ID }
func (c TextComponent) ComponentOrder() int { return c.Order }
func (c TextComponent) Type() ComponentType { return ComponentText }
func (c TextComponent) Content() string { return strings.TrimSpace(c.Text) }
func (c TextComponent) IsHeading() bool { return c.Role == RoleHeading }
func (TextComponent) isComponent() {}

func (c ImageComponent) ComponentID() string { return c.ID }
func (c ImageComponent) ComponentOrder() int { return c.Order }
func (c ImageComponent) Type() ComponentType { return ComponentImage }
func (ImageComponent) isComponent() {}

func (c TableComponent) ComponentID() string { return c.ID }
func (c TableComponent) ComponentOrder() int { return c.Order }
func (c TableComponent) Type() ComponentType { return ComponentTable }
func (TableComponent) isComponent() {}

// Content joins the description and the recognized text.
func (c ImageComponent) Content() string {
	parts := make([]string, 0, 2)
	if d := strings.TrimSpace(c.Description); d != "" {
		parts = append(parts, d)
	}
	if t := strings.TrimSpace(c.RecognizedText); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n")
}

// Content renders the caption followed by one pipe-separated line per row. A table
// without rows has no content.
func (c TableComponent) Content() string {
	if len(c.Rows) == 0 {
		return ""
	}
	var sb strings.Builder
	if cp := strings.TrimSpace(c.Caption); cp != "" {
		sb.WriteString(cp)
	}
	for _, row := range c.Rows {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("| ")
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteString(" |")
	}
	return sb.String()
}

// ColumnCount returns the width of the widest row.
func (c TableComponent) ColumnCount() int {
	n := 0
	for _, row := range c.Rows {
		n = max(n, len(row))
	}
	return n
}

// Components is an ordered list of components with tagged JSON encoding
type Components []Component

type componentEnvelope struct {
	Type ComponentType   `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes each component as {"type": ..., "data": ...}.
func (cs Components) MarshalJSON() ([]byte, error) {
	out := make([]componentEnvelope, 0, len(cs))
	for _, c := range cs {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal component %s: %w", c.ComponentID(), err)
		}
		out = append(out, componentEnvelope{Type: c.Type(), Data: data})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged encoding produced by MarshalJSON.
func (cs *Components) UnmarshalJSON(b []byte) error {
	var envs []componentEnvelope
	if err := json.Unmarshal(b, &envs); err != nil {
		return err
	}
	out := make(Components, 0, len(envs))
	for i, env := range envs {
		c, err := decodeComponent(env)
		if err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

func decodeComponent(env componentEnvelope) (Component, error) {
	switch env.Type {
	case ComponentText:
		var c TextComponent
		err := json.Unmarshal(env.Data, &c)
		return c, err
	case ComponentImage:
		var c ImageComponent
		err := json.Unmarshal(env.Data, &c)
		return c, err
	case ComponentTable:
		var c TableComponent
		err := json.Unmarshal(env.Data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponentType, env.Type)
	}
}
