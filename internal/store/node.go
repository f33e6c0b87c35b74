package store

import "encoding/json"

// Behavior selects how an incoming value tree lands on an existing
// subtree.
type Behavior int

const (
	// BehaviorMerge recurses into maps and only writes a leaf when the
	// incoming timestamp is not older than what is already there.
	BehaviorMerge Behavior = iota
	// BehaviorReplace is authoritative for shape: children absent from
	// the incoming value are removed. Leaf values still lose to newer
	// existing timestamps.
	BehaviorReplace
)

// Node is one node of a configuration tree. Interior nodes hold
// Children, leaves hold Value. Scalars and lists are leaf values; only
// maps become interior nodes. ModTime is epoch milliseconds of the last
// write that touched the node.
type Node struct {
	Value    any              `json:"v"`
	Children map[string]*Node `json:"c"`
	ModTime  int64            `json:"t"`
}

// UnmarshalJSON keeps empty containers distinguishable from leaves:
// encoding/json would otherwise deliver a nil map for "c":{}.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias struct {
		Value    any                        `json:"v"`
		Children map[string]json.RawMessage `json:"c"`
		ModTime  int64                      `json:"t"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	n.Value = a.Value
	n.ModTime = a.ModTime
	if a.Children == nil {
		n.Children = nil
		return nil
	}
	n.Children = make(map[string]*Node, len(a.Children))
	for k, raw := range a.Children {
		child := &Node{}
		if err := json.Unmarshal(raw, child); err != nil {
			return err
		}
		n.Children[k] = child
	}
	return nil
}

func (n *Node) IsLeaf() bool { return n.Children == nil }

// FromValue builds a subtree out of a plain decoded value.
func FromValue(v any, ts int64) *Node {
	if m, ok := v.(map[string]any); ok {
		node := &Node{Children: map[string]*Node{}, ModTime: ts}
		for k, cv := range m {
			node.Children[k] = FromValue(cv, ts)
		}
		return node
	}
	return &Node{Value: v, ModTime: ts}
}

// ToValue flattens the subtree back into plain maps and leaf values.
func (n *Node) ToValue() any {
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		return n.Value
	}
	m := make(map[string]any, len(n.Children))
	for k, c := range n.Children {
		m[k] = c.ToValue()
	}
	return m
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Value: n.Value, ModTime: n.ModTime}
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.Clone()
		}
	}
	return out
}

// Find walks the path and returns the node there, or nil.
func (n *Node) Find(path ...string) *Node {
	cur := n
	for _, p := range path {
		if cur == nil || cur.Children == nil {
			return nil
		}
		cur = cur.Children[p]
	}
	return cur
}

// Remove drops the node at path. Reports whether anything was removed.
func (n *Node) Remove(path ...string) bool {
	if len(path) == 0 {
		return false
	}
	parent := n.Find(path[:len(path)-1]...)
	if parent == nil || parent.Children == nil {
		return false
	}
	leaf := path[len(path)-1]
	if _, ok := parent.Children[leaf]; !ok {
		return false
	}
	delete(parent.Children, leaf)
	return true
}

// Apply lands an incoming map on this node per the behavior. The node
// becomes interior if it was a leaf.
func (n *Node) Apply(value map[string]any, behavior Behavior, ts int64) {
	if n.Children == nil {
		n.Value = nil
		n.Children = map[string]*Node{}
	}
	if behavior == BehaviorReplace {
		for k := range n.Children {
			if _, ok := value[k]; !ok {
				delete(n.Children, k)
			}
		}
	}
	n.ModTime = ts
	for k, v := range value {
		child, ok := n.Children[k]
		if !ok {
			n.Children[k] = FromValue(v, ts)
			continue
		}
		if m, isMap := v.(map[string]any); isMap {
			child.Apply(m, behavior, ts)
			continue
		}
		// Leaf-on-leaf: the newer timestamp wins.
		if child.IsLeaf() && child.ModTime > ts {
			continue
		}
		n.Children[k] = &Node{Value: v, ModTime: ts}
	}
}

func encodeNode(n *Node) ([]byte, error) { return json.Marshal(n) }

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
