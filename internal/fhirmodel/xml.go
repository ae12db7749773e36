package fhirmodel

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// fhirXMLNamespace is the fixed namespace every FHIR XML resource document
// carries on its root element, per the FHIR XML data-type mapping (primitive
// value -> "value" attribute, complex element -> nested element, repeating
// element -> repeated sibling tags).
const fhirXMLNamespace = "http://hl7.org/fhir"

// ParseResourceXML decodes a single FHIR resource from its XML body. Nothing
// in this project's dependency pack ships a FHIR-aware XML codec (the
// closest precedent, the teacher's ContentNegotiationMiddleware, rejects XML
// outright with 406), so this walks encoding/xml tokens directly against
// FHIR's own mapping rules rather than reaching for a third-party binding.
func ParseResourceXML(data []byte) (Resource, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	tok, err := nextStart(dec)
	if err != nil {
		return nil, err
	}
	obj, err := decodeXMLElement(dec, tok)
	if err != nil {
		return nil, err
	}
	r := Resource(obj)
	r["resourceType"] = tok.Name.Local
	return r, nil
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// decodeXMLElement reads start's children up to its matching end tag and
// returns them as a generic object, merging repeated child element names
// into arrays (FHIR's only way of expressing cardinality in XML).
func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (map[string]interface{}, error) {
	obj := map[string]interface{}{}
	for _, attr := range start.Attr {
		if attr.Name.Local == "value" {
			continue
		}
		obj[attr.Name.Local] = attr.Value
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			val, err := decodeXMLValue(dec, t)
			if err != nil {
				return nil, err
			}
			appendXMLChild(obj, t.Name.Local, val)
		case xml.EndElement:
			if v, ok := findAttrValue(start.Attr); ok {
				return mergeScalar(obj, v), nil
			}
			return obj, nil
		}
	}
}

func findAttrValue(attrs []xml.Attr) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == "value" {
			return a.Value, true
		}
	}
	return "", false
}

// mergeScalar folds a primitive's "value" attribute into obj under the
// reserved "value" key, used only when the primitive also carries an "id"
// or "extension" (the rest of FHIR's primitive-with-extension encoding).
// When obj is otherwise empty, the caller decodeXMLValue unwraps it back
// to the bare scalar so ordinary primitives stay primitives.
func mergeScalar(obj map[string]interface{}, raw string) map[string]interface{} {
	obj["value"] = parseScalar(raw)
	return obj
}

func decodeXMLValue(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	hasValueAttr := false
	hasOtherAttr := false
	for _, a := range start.Attr {
		if a.Name.Local == "value" {
			hasValueAttr = true
		} else {
			hasOtherAttr = true
		}
	}

	obj, err := decodeXMLElement(dec, start)
	if err != nil {
		return nil, err
	}

	if hasValueAttr && !hasOtherAttr && len(obj) == 1 {
		// Bare primitive: unwrap the "value" wrapper decodeXMLElement built.
		return obj["value"], nil
	}
	return obj, nil
}

// appendXMLChild adds a decoded child under name, promoting to a slice the
// moment a second sibling with the same name appears.
func appendXMLChild(obj map[string]interface{}, name string, val interface{}) {
	existing, ok := obj[name]
	if !ok {
		obj[name] = val
		return
	}
	if arr, ok := existing.([]interface{}); ok {
		obj[name] = append(arr, val)
		return
	}
	obj[name] = []interface{}{existing, val}
}

// parseScalar recovers the JSON-ish scalar type a FHIR XML "value" attribute
// represents, matching how the JSON codec would have decoded the same
// literal (FHIR's XML and JSON primitive grammars share the same lexical
// forms for boolean and numeric types).
func parseScalar(raw string) interface{} {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil && isNumericLiteral(raw) {
		return n
	}
	return raw
}

// isNumericLiteral rejects strings strconv.ParseFloat accepts but FHIR's own
// decimal grammar doesn't (leading "+", "Inf", "NaN", hex floats), so dates
// like "2024" parse as numbers in practice is an accepted XML/JSON-mapping
// ambiguity the JSON codec shares.
func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '-' && i == 0 {
			continue
		}
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// SerializeResourceXML renders res as a FHIR XML document. Element order
// within an object is sorted for deterministic output; FHIR's XML schema
// fixes a canonical element order per resource type, which this
// version-agnostic adapter does not model, so receivers that validate
// strict schema ordering are out of scope (spec's Version Adapter
// deliberately carries no per-release resource schema).
func SerializeResourceXML(res Resource, pretty bool) ([]byte, error) {
	root := res.ResourceType()
	if root == "" {
		return nil, fmt.Errorf("fhirmodel: resource has no resourceType to use as XML root element")
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if pretty {
		enc.Indent("", "  ")
	}

	start := xml.StartElement{
		Name: xml.Name{Local: root},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: fhirXMLNamespace}},
	}
	if err := encodeXMLObject(enc, start, map[string]interface{}(res), true); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeXMLObject writes start, obj's fields (skipping resourceType at the
// root, since it is carried by the element name itself), and start's
// matching end tag.
func encodeXMLObject(enc *xml.Encoder, start xml.StartElement, obj map[string]interface{}, isRoot bool) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	names := make([]string, 0, len(obj))
	for k := range obj {
		if isRoot && k == "resourceType" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := encodeXMLField(enc, name, obj[name]); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

// encodeXMLField writes one field. Handler code constructs resources with
// concrete slice/map element types (e.g. CapabilityStatement's
// []map[string]interface{} "rest", []string "format") rather than only the
// []interface{}/map[string]interface{} shapes json.Unmarshal produces, so
// this reflects on val instead of type-switching on the JSON-decode shapes
// alone.
func encodeXMLField(enc *xml.Encoder, name string, val interface{}) error {
	rv := reflect.ValueOf(val)
	if rv.IsValid() && rv.Kind() == reflect.Slice && rv.Type().Elem() != reflect.TypeOf(byte(0)) {
		for i := 0; i < rv.Len(); i++ {
			if err := encodeXMLField(enc, name, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}

	el := xml.StartElement{Name: xml.Name{Local: name}}
	if rv.IsValid() && rv.Kind() == reflect.Map {
		obj := map[string]interface{}{}
		for _, k := range rv.MapKeys() {
			obj[fmt.Sprint(k.Interface())] = rv.MapIndex(k).Interface()
		}
		return encodeXMLObject(enc, el, obj, false)
	}
	switch v := val.(type) {
	case string:
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "value"}, Value: v}}
	case bool:
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "value"}, Value: strconv.FormatBool(v)}}
	case float64:
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "value"}, Value: formatFHIRNumber(v)}}
	case int:
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "value"}, Value: strconv.Itoa(v)}}
	case nil:
		return nil
	default:
		el.Attr = []xml.Attr{{Name: xml.Name{Local: "value"}, Value: fmt.Sprint(v)}}
	}
	if err := enc.EncodeToken(el); err != nil {
		return err
	}
	return enc.EncodeToken(el.End())
}

func formatFHIRNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
