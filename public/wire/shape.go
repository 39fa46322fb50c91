package wire

import (
	"encoding/json"
	"fmt"
)

// ShapeType discriminates the wire encoding of a value tree node.
type ShapeType string

const (
	ShapeString   ShapeType = "string"   // primitive string leaf
	ShapeNumber   ShapeType = "number"   // primitive number leaf
	ShapeObject   ShapeType = "object"   // keyed mapping of child shapes
	ShapeArray    ShapeType = "array"    // ordered sequence of child shapes
	ShapeFunction ShapeType = "function" // capability leaf, carries a handle
)

// Shape is the wire description of a value tree. Exactly one payload field
// is populated, selected by Type. Function leaves carry only the method
// handle; the callable itself stays in the exporting peer's method table.
//
// Shapes marshal to the nested JSON form
//
//	{"type":"object","value":{"k":{"type":"number","value":5}}}
//	{"type":"function","methodId":"<hex>"}
//
// and unmarshaling rejects unknown type tags with a ProtocolError.
type Shape struct {
	Type     ShapeType         // node discriminator
	Str      string            // payload when Type == ShapeString
	Num      float64           // payload when Type == ShapeNumber
	Fields   map[string]*Shape // payload when Type == ShapeObject
	Items    []*Shape          // payload when Type == ShapeArray
	MethodID Handle            // payload when Type == ShapeFunction
}

// StringShape builds a string leaf.
func StringShape(s string) *Shape { return &Shape{Type: ShapeString, Str: s} }

// NumberShape builds a number leaf. Integers and floats share the "number"
// tag on the wire; no further distinction is made.
func NumberShape(n float64) *Shape { return &Shape{Type: ShapeNumber, Num: n} }

// ObjectShape builds a keyed mapping node.
func ObjectShape(fields map[string]*Shape) *Shape {
	return &Shape{Type: ShapeObject, Fields: fields}
}

// ArrayShape builds an ordered sequence node.
func ArrayShape(items []*Shape) *Shape { return &Shape{Type: ShapeArray, Items: items} }

// FunctionShape builds a capability leaf pointing at an exported method.
func FunctionShape(id Handle) *Shape { return &Shape{Type: ShapeFunction, MethodID: id} }

// shapeJSON is the transport representation shared by MarshalJSON and
// UnmarshalJSON. Value stays raw until the type tag selects a decoder.
type shapeJSON struct {
	Type     ShapeType       `json:"type"`
	Value    json.RawMessage `json:"value,omitempty"`
	MethodID Handle          `json:"methodId,omitempty"`
}

// MarshalJSON encodes the shape in its nested wire form.
func (s *Shape) MarshalJSON() ([]byte, error) {
	out := shapeJSON{Type: s.Type}
	var err error
	switch s.Type {
	case ShapeString:
		out.Value, err = json.Marshal(s.Str)
	case ShapeNumber:
		out.Value, err = json.Marshal(s.Num)
	case ShapeObject:
		// Marshal an empty object rather than JSON null for a nil map
		if s.Fields == nil {
			out.Value = json.RawMessage(`{}`)
		} else {
			out.Value, err = json.Marshal(s.Fields)
		}
	case ShapeArray:
		if s.Items == nil {
			out.Value = json.RawMessage(`[]`)
		} else {
			out.Value, err = json.Marshal(s.Items)
		}
	case ShapeFunction:
		out.MethodID = s.MethodID
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("cannot encode shape type %q", s.Type)}
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a nested wire shape, rejecting unknown type tags.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var in shapeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return &ProtocolError{Reason: "malformed shape: " + err.Error()}
	}
	s.Type = in.Type
	switch in.Type {
	case ShapeString:
		return json.Unmarshal(in.Value, &s.Str)
	case ShapeNumber:
		return json.Unmarshal(in.Value, &s.Num)
	case ShapeObject:
		return json.Unmarshal(in.Value, &s.Fields)
	case ShapeArray:
		return json.Unmarshal(in.Value, &s.Items)
	case ShapeFunction:
		if !in.MethodID.Valid() {
			return &ProtocolError{Reason: fmt.Sprintf("function shape carries invalid handle %q", in.MethodID)}
		}
		s.MethodID = in.MethodID
		return nil
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown shape type %q", in.Type)}
	}
}

// Validate walks the shape and checks structural soundness: known type
// tags, valid function handles, no nil children. Used on inbound shapes
// before they reach the reconstructor.
func (s *Shape) Validate() error {
	if s == nil {
		return &ProtocolError{Reason: "nil shape"}
	}
	switch s.Type {
	case ShapeString, ShapeNumber:
		return nil
	case ShapeObject:
		for key, child := range s.Fields {
			if child == nil {
				return &ProtocolError{Reason: fmt.Sprintf("object field %q is null", key)}
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case ShapeArray:
		for i, child := range s.Items {
			if child == nil {
				return &ProtocolError{Reason: fmt.Sprintf("array element %d is null", i)}
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case ShapeFunction:
		if !s.MethodID.Valid() {
			return &ProtocolError{Reason: fmt.Sprintf("function shape carries invalid handle %q", s.MethodID)}
		}
		return nil
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown shape type %q", s.Type)}
	}
}

// ProtocolError reports wire data the peer must never have sent: unknown
// message or shape types, malformed handles, a repeated init. Protocol
// errors are surfaced to the application, never echoed back to the peer.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
