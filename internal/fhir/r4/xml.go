package r4

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// The XML form follows the FHIR R4 XML representation: primitives become
// elements with a value attribute, extension urls and element ids become
// attributes, contained resources are wrapped in their field element and the
// narrative div is carried as literal XHTML.

// repeating lists the element names that are arrays in the JSON form.
var repeating = map[string]bool{
	"entry": true, "extension": true, "modifierExtension": true, "identifier": true,
	"name": true, "given": true, "prefix": true, "suffix": true, "telecom": true,
	"address": true, "line": true, "coding": true, "section": true, "author": true,
	"note": true, "relatesTo": true, "category": true, "targetDisease": true,
	"protocolApplied": true, "reasonCode": true, "reasonReference": true, "profile": true,
	"performer": true, "security": true, "tag": true, "contained": true, "link": true,
	"issue": true, "expression": true, "attester": true, "event": true, "reaction": true,
	"manifestation": true, "qualification": true, "communication": true,
	"bodySite": true, "evidence": true, "stage": true,
}

// singular overrides repeating for specific owners.
var singular = map[string]map[string]bool{
	"Organization": {"name": true},
	"Bundle":       {"identifier": true},
	"Composition":  {"identifier": true},
}

// referenceElements are elements of type Reference, whose identifier is singular.
var referenceElements = []string{
	"valueReference", "actor", "patient", "subject", "recorder", "asserter",
	"authorReference", "targetReference", "practitioner", "organization", "custodian",
	"author", "entry",
}

func init() {
	for _, name := range referenceElements {
		singular[name] = map[string]bool{"identifier": true}
	}
}

var booleans = map[string]bool{
	"primarySource": true, "active": true, "valueBoolean": true, "userSelected": true,
	"isSubpotent": true, "deceasedBoolean": true, "multipleBirthBoolean": true,
	"preferred": true,
}

var numbers = map[string]bool{
	"total": true, "doseNumberPositiveInt": true, "seriesDosesPositiveInt": true,
	"valueInteger": true, "valuePositiveInt": true, "valueUnsignedInt": true,
	"valueDecimal": true, "rank": true, "multipleBirthInteger": true,
}

// object is a decoded JSON object that keeps its key order.
type object struct {
	keys   []string
	values map[string]any
}

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		obj := &object{values: make(map[string]any)}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", kt)
			}
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			if _, dup := obj.values[key]; !dup {
				obj.keys = append(obj.keys, key)
			}
			obj.values[key] = val
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %v", delim)
	}
}

func jsonToXML(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := decodeOrdered(dec)
	if err != nil {
		return nil, err
	}
	obj, ok := root.(*object)
	if !ok {
		return nil, errors.New("document root is not an object")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	w := &xmlWriter{enc: xml.NewEncoder(&buf), out: &buf}
	w.enc.Indent("", "  ")
	if err := w.resource(obj, true); err != nil {
		return nil, err
	}
	if err := w.enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type xmlWriter struct {
	enc *xml.Encoder
	out *bytes.Buffer
}

func (w *xmlWriter) resource(obj *object, root bool) error {
	rt, _ := obj.values["resourceType"].(string)
	if rt == "" {
		return errors.New("resource without resourceType")
	}
	start := xml.StartElement{Name: xml.Name{Local: rt}}
	if root {
		start.Attr = []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: NamespaceFHIR}}
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return err
	}
	if err := w.children(obj, ""); err != nil {
		return err
	}
	return w.enc.EncodeToken(start.End())
}

// children writes the fields of obj. Element ids and extension urls are
// attributes already written by the caller, so they are skipped; resources
// pass an empty element name and keep their id as a child element.
func (w *xmlWriter) children(obj *object, element string) error {
	for _, key := range obj.keys {
		if key == "resourceType" || strings.HasPrefix(key, "_") {
			continue
		}
		if element != "" && key == "id" {
			continue
		}
		if key == "url" && (element == "extension" || element == "modifierExtension") {
			continue
		}
		if err := w.field(key, obj.values[key], obj.values["_"+key]); err != nil {
			return err
		}
	}
	for _, key := range obj.keys {
		base, ok := strings.CutPrefix(key, "_")
		if !ok {
			continue
		}
		if _, hasValue := obj.values[base]; hasValue {
			continue
		}
		if err := w.field(base, nil, obj.values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (w *xmlWriter) field(name string, val, ext any) error {
	items, ok := val.([]any)
	if !ok {
		return w.single(name, val, ext)
	}
	exts, _ := ext.([]any)
	for i, item := range items {
		var e any
		if i < len(exts) {
			e = exts[i]
		}
		if err := w.single(name, item, e); err != nil {
			return err
		}
	}
	return nil
}

func (w *xmlWriter) single(name string, val, ext any) error {
	if name == "div" {
		if s, ok := val.(string); ok {
			return w.raw(s)
		}
	}
	extObj, _ := ext.(*object)
	switch v := val.(type) {
	case *object:
		if _, ok := v.values["resourceType"]; ok {
			start := xml.StartElement{Name: xml.Name{Local: name}}
			if err := w.enc.EncodeToken(start); err != nil {
				return err
			}
			if err := w.resource(v, false); err != nil {
				return err
			}
			return w.enc.EncodeToken(start.End())
		}
		start := xml.StartElement{Name: xml.Name{Local: name}, Attr: elementAttrs(v, name)}
		if err := w.enc.EncodeToken(start); err != nil {
			return err
		}
		if err := w.children(v, name); err != nil {
			return err
		}
		return w.enc.EncodeToken(start.End())
	case nil:
		if extObj == nil {
			return nil
		}
		start := xml.StartElement{Name: xml.Name{Local: name}, Attr: elementAttrs(extObj, name)}
		if err := w.enc.EncodeToken(start); err != nil {
			return err
		}
		if err := w.children(extObj, name); err != nil {
			return err
		}
		return w.enc.EncodeToken(start.End())
	default:
		start := xml.StartElement{Name: xml.Name{Local: name}}
		if extObj != nil {
			start.Attr = elementAttrs(extObj, name)
		}
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "value"}, Value: primitiveString(v)})
		if err := w.enc.EncodeToken(start); err != nil {
			return err
		}
		if extObj != nil {
			if err := w.children(extObj, name); err != nil {
				return err
			}
		}
		return w.enc.EncodeToken(start.End())
	}
}

// raw writes a narrative div verbatim after checking it is well-formed.
func (w *xmlWriter) raw(div string) error {
	check := xml.NewDecoder(strings.NewReader(div))
	for {
		_, err := check.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed narrative: %w", err)
		}
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	w.out.WriteString(div)
	return nil
}

func elementAttrs(obj *object, name string) []xml.Attr {
	var attrs []xml.Attr
	if id, ok := obj.values["id"].(string); ok && id != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "id"}, Value: id})
	}
	if name == "extension" || name == "modifierExtension" {
		if url, ok := obj.values["url"].(string); ok {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "url"}, Value: url})
		}
	}
	return attrs
}

func primitiveString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func xmlToJSON(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no root element")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Space != "" && start.Name.Space != NamespaceFHIR {
				return nil, fmt.Errorf("unexpected namespace %q", start.Name.Space)
			}
			root, err := readResource(dec, start)
			if err != nil {
				return nil, err
			}
			return json.Marshal(root)
		}
	}
}

func readResource(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	m := map[string]any{"resourceType": start.Name.Local}
	if err := readChildren(dec, start.Name.Local, m); err != nil {
		return nil, err
	}
	return m, nil
}

func readElement(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	m := make(map[string]any)
	for _, a := range start.Attr {
		if a.Name.Space != "" {
			continue
		}
		if a.Name.Local == "id" || a.Name.Local == "url" {
			m[a.Name.Local] = a.Value
		}
	}
	if err := readChildren(dec, start.Name.Local, m); err != nil {
		return nil, err
	}
	return m, nil
}

func readChildren(dec *xml.Decoder, owner string, m map[string]any) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			name := t.Name.Local
			switch {
			case name == "div" && t.Name.Space == NamespaceXHTML:
				div, err := captureDiv(dec, t)
				if err != nil {
					return err
				}
				m["div"] = div
			case name == "resource" || name == "contained":
				res, err := readWrapped(dec)
				if err != nil {
					return err
				}
				add(m, owner, name, res)
			default:
				value, hasValue := attrValue(t, "value")
				child, err := readElement(dec, t)
				if err != nil {
					return err
				}
				if !hasValue {
					add(m, owner, name, child)
					continue
				}
				var ext any
				if len(child) > 0 {
					ext = child
				}
				addPrimitive(m, owner, name, typed(name, value), ext)
			}
		}
	}
}

func readWrapped(dec *xml.Decoder) (map[string]any, error) {
	var res map[string]any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if res != nil {
				return nil, fmt.Errorf("more than one resource in %s wrapper", t.Name.Local)
			}
			res, err = readResource(dec, t)
			if err != nil {
				return nil, err
			}
		case xml.EndElement:
			if res == nil {
				return nil, errors.New("empty resource wrapper")
			}
			return res, nil
		}
	}
}

// captureDiv re-serializes an XHTML div with the namespace declared once on
// the div itself.
func captureDiv(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{
		Name: xml.Name{Local: "div"},
		Attr: append([]xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: NamespaceXHTML}}, plainAttrs(start.Attr)...),
	}
	if err := enc.EncodeToken(root); err != nil {
		return "", err
	}
	for depth := 1; depth > 0; {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			err = enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: t.Name.Local}, Attr: plainAttrs(t.Attr)})
		case xml.EndElement:
			depth--
			if depth == 0 {
				err = enc.EncodeToken(root.End())
			} else {
				err = enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: t.Name.Local}})
			}
		case xml.CharData:
			err = enc.EncodeToken(t.Copy())
		}
		if err != nil {
			return "", err
		}
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func plainAttrs(attrs []xml.Attr) []xml.Attr {
	var out []xml.Attr
	for _, a := range attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		out = append(out, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}
	return out
}

func attrValue(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func isRepeating(owner, name string) bool {
	if singular[owner][name] {
		return false
	}
	return repeating[name]
}

func add(m map[string]any, owner, name string, v any) {
	if !isRepeating(owner, name) {
		m[name] = v
		return
	}
	items, _ := m[name].([]any)
	m[name] = append(items, v)
}

// addPrimitive stores a primitive and keeps the "_name" element list aligned
// with the value list for repeating primitives.
func addPrimitive(m map[string]any, owner, name string, v, ext any) {
	if !isRepeating(owner, name) {
		m[name] = v
		if ext != nil {
			m["_"+name] = ext
		}
		return
	}
	items, _ := m[name].([]any)
	n := len(items)
	m[name] = append(items, v)
	exts, has := m["_"+name].([]any)
	switch {
	case ext != nil:
		for len(exts) < n {
			exts = append(exts, nil)
		}
		m["_"+name] = append(exts, ext)
	case has:
		m["_"+name] = append(exts, nil)
	}
}

func typed(name, value string) any {
	switch {
	case booleans[name]:
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	case numbers[name]:
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return json.Number(value)
		}
	}
	return value
}
