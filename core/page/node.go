package page

import "fmt"

// NodesPerPage is the number of record slots of a node page.
const (
	NodesPerPageExponent = 7
	NodesPerPage         = 1 << NodesPerPageExponent
)

// NodeKind classifies a record. NodeKindDeleted marks a tombstone.
type NodeKind byte

const (
	NodeKindDeleted NodeKind = iota
	NodeKindDocument
	NodeKindElement
	NodeKindAttribute
	NodeKindText
	NodeKindNamespace
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindDeleted:
		return "deleted"
	case NodeKindDocument:
		return "document"
	case NodeKindElement:
		return "element"
	case NodeKindAttribute:
		return "attribute"
	case NodeKindText:
		return "text"
	case NodeKindNamespace:
		return "namespace"
	default:
		return fmt.Sprintf("nodekind(%d)", byte(k))
	}
}

// Node is one record stored in a node page. Records are treated as values:
// writers replace them rather than mutate them in place.
type Node struct {
	Key       uint64
	Kind      NodeKind
	ParentKey uint64
	NameKey   int32
	// Value is nil when the record has no value; an empty slice is stored
	// as nil.
	Value []byte
}

func (n *Node) IsDeleted() bool { return n.Kind == NodeKindDeleted }

// PageNumberOf returns the logical page number holding record key.
func PageNumberOf(key uint64) uint64 { return key >> NodesPerPageExponent }

// SlotOf returns the slot of record key inside its node page.
func SlotOf(key uint64) int { return int(key & (NodesPerPage - 1)) }

// NodeBody holds the records of one node page.
type NodeBody struct {
	PageNumber uint64
	records    [NodesPerPage]*Node
}

// Record returns the record in slot, nil if the slot was never written.
func (b *NodeBody) Record(slot int) *Node {
	if slot < 0 || slot >= NodesPerPage {
		return nil
	}
	return b.records[slot]
}

func (b *NodeBody) SetRecord(slot int, n *Node) {
	if n != nil && n.Value != nil && len(n.Value) == 0 {
		c := *n
		c.Value = nil
		n = &c
	}
	b.records[slot] = n
}

// Len counts the occupied slots, tombstones included.
func (b *NodeBody) Len() int {
	n := 0
	for _, r := range b.records {
		if r != nil {
			n++
		}
	}
	return n
}
