package r4

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Format is a FHIR serialization format.
type Format int

const (
	FormatJSON Format = iota
	FormatXML
)

// ErrUnknownFormat is returned for unsupported format names.
var ErrUnknownFormat = errors.New("unknown FHIR format")

func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "json"
}

// ContentType returns the FHIR media type of the format.
func (f Format) ContentType() string {
	if f == FormatXML {
		return ContentTypeXML
	}
	return ContentTypeJSON
}

// ParseFormat maps a _format parameter or media type to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", ContentTypeJSON, "application/json":
		return FormatJSON, nil
	case "xml", ContentTypeXML, "application/xml", "text/xml":
		return FormatXML, nil
	default:
		return FormatJSON, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// DetectFormat sniffs the format of a serialized resource: a leading '{' or
// '[' means JSON, anything else is treated as XML.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatXML
}

// Codec serializes and parses Bundles. It holds no mutable state and is safe
// for concurrent use.
type Codec struct {
	logger *zap.Logger
}

// NewCodec creates a new codec.
func NewCodec(logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{logger: logger}
}

// Marshal serializes a bundle. JSON output is pretty-printed with two-space
// indentation and fields in model order.
func (c *Codec) Marshal(b *Bundle, format Format) ([]byte, error) {
	if b == nil {
		return nil, errors.New("nil bundle")
	}
	data, err := encodeJSON(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	if format == FormatJSON {
		return data, nil
	}
	out, err := jsonToXML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle as xml: %w", err)
	}
	return out, nil
}

// Parse reads a Bundle in either format.
func (c *Codec) Parse(data []byte) (*Bundle, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	if DetectFormat(data) == FormatXML {
		converted, err := xmlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse xml bundle: %w", err)
		}
		data = converted
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// ParseOrNil parses best-effort: failures are logged and yield nil.
func (c *Codec) ParseOrNil(data []byte) *Bundle {
	b, err := c.Parse(data)
	if err != nil {
		c.logger.Warn("Discarding unparseable bundle", zap.Error(err), zap.Int("bytes", len(data)))
		return nil
	}
	return b
}

// Convert re-serializes a document into the requested format.
func (c *Codec) Convert(data []byte, format Format) ([]byte, error) {
	b, err := c.Parse(data)
	if err != nil {
		return nil, err
	}
	return c.Marshal(b, format)
}

// encodeJSON writes indented JSON without escaping the XHTML narrative.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
