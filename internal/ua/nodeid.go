// Package ua defines the OPC UA information-model data types the node
// store operates on: node identifiers, node classes, and the eight node
// variants. The store treats everything in this package as opaque beyond
// the common header.
package ua

import (
	"fmt"
	"hash/maphash"
)

// IdKind selects which payload field of a NodeId is significant.
type IdKind uint8

const (
	IdKindNumeric IdKind = iota
	IdKindString
	IdKindGUID
	IdKindOpaque
)

func (k IdKind) String() string {
	switch k {
	case IdKindNumeric:
		return "numeric"
	case IdKindString:
		return "string"
	case IdKindGUID:
		return "guid"
	case IdKindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// NamespaceReserved is the namespace index reserved for store-generated
// identifiers; it must never be used by a caller-supplied NodeId that
// expects InsertUnique semantics against the synthesis algorithm.
const NamespaceReserved uint16 = 1

// NodeId is a tagged identifier (namespaceIndex, kind, payload). Equality
// and Hash are defined over the full tuple.
type NodeId struct {
	Namespace uint16
	Kind      IdKind
	Numeric   uint32
	Str       string
	GUID      [16]byte
	Opaque    string // byte payload; string used for cheap value-equality and hashing
}

// NumericId builds a numeric NodeId.
func NumericId(ns uint16, n uint32) NodeId {
	return NodeId{Namespace: ns, Kind: IdKindNumeric, Numeric: n}
}

// StringId builds a string NodeId.
func StringId(ns uint16, s string) NodeId {
	return NodeId{Namespace: ns, Kind: IdKindString, Str: s}
}

// GUIDId builds a GUID NodeId.
func GUIDId(ns uint16, g [16]byte) NodeId {
	return NodeId{Namespace: ns, Kind: IdKindGUID, GUID: g}
}

// OpaqueId builds an opaque (byte-string) NodeId.
func OpaqueId(ns uint16, b []byte) NodeId {
	return NodeId{Namespace: ns, Kind: IdKindOpaque, Opaque: string(b)}
}

// IsNull reports whether id is the zero value, the sentinel for "let the
// store synthesize an id".
func (id NodeId) IsNull() bool {
	return id == NodeId{}
}

// Equal reports whether id and other identify the same node.
func (id NodeId) Equal(other NodeId) bool {
	if id.Namespace != other.Namespace || id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case IdKindNumeric:
		return id.Numeric == other.Numeric
	case IdKindString:
		return id.Str == other.Str
	case IdKindGUID:
		return id.GUID == other.GUID
	case IdKindOpaque:
		return id.Opaque == other.Opaque
	default:
		return false
	}
}

// idSeed is shared across all NodeId.Hash calls so that equal ids always
// hash equally within one process; maphash requires a single seed for that.
var idSeed = maphash.MakeSeed()

// Hash returns a process-local, non-cryptographic hash of id suitable for
// bucketing in the store's hash index. It is not stable across processes.
func (id NodeId) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(idSeed)
	_ = h.WriteByte(byte(id.Kind))
	_, _ = h.Write([]byte{byte(id.Namespace), byte(id.Namespace >> 8)})
	switch id.Kind {
	case IdKindNumeric:
		var b [4]byte
		b[0] = byte(id.Numeric)
		b[1] = byte(id.Numeric >> 8)
		b[2] = byte(id.Numeric >> 16)
		b[3] = byte(id.Numeric >> 24)
		_, _ = h.Write(b[:])
	case IdKindString:
		_, _ = h.WriteString(id.Str)
	case IdKindGUID:
		_, _ = h.Write(id.GUID[:])
	case IdKindOpaque:
		_, _ = h.WriteString(id.Opaque)
	}
	return h.Sum64()
}

// String renders id for logs and diagnostics; not a wire format.
func (id NodeId) String() string {
	switch id.Kind {
	case IdKindNumeric:
		return fmt.Sprintf("ns=%d;i=%d", id.Namespace, id.Numeric)
	case IdKindString:
		return fmt.Sprintf("ns=%d;s=%s", id.Namespace, id.Str)
	case IdKindGUID:
		return fmt.Sprintf("ns=%d;g=%x", id.Namespace, id.GUID)
	case IdKindOpaque:
		return fmt.Sprintf("ns=%d;b=%x", id.Namespace, []byte(id.Opaque))
	default:
		return fmt.Sprintf("ns=%d;?", id.Namespace)
	}
}
