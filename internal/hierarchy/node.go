// Package hierarchy resolves ancestor chains for a source's content tree.
// The database is authoritative; Redis holds a TTL-bounded accelerator cache.
package hierarchy

// NodeType tags a node's role in the content tree.
type NodeType string

const (
	// NodeTypeSource is the distinguished root. Exactly one exists per
	// source; every other node's parent chain terminates at it.
	NodeTypeSource NodeType = "source"
	NodeTypeFolder NodeType = "folder"
	NodeTypePage   NodeType = "page"
)

// Node is one entry in a source's content tree. RawID is the identifier the
// upstream connector assigned; ID is ours.
type Node struct {
	ID       int64
	ParentID *int64
	Type     NodeType
	RawID    string
}
