package formula

import "strings"

// Kind tags an AST node.
type Kind int

const (
	KindNumber Kind = iota + 1
	KindText
	KindBool
	KindError
	KindRef
	KindCall
	KindUnary
	KindBinary
	KindPostfix
	KindEmpty
)

var kindNames = map[Kind]string{
	KindNumber:  "number",
	KindText:    "text",
	KindBool:    "bool",
	KindError:   "error",
	KindRef:     "ref",
	KindCall:    "call",
	KindUnary:   "unary",
	KindBinary:  "binary",
	KindPostfix: "postfix",
	KindEmpty:   "empty",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Node is one AST node. Value holds the literal, reference or function name;
// Op holds the operator for unary, binary and postfix nodes.
type Node struct {
	Kind     Kind
	Value    string
	Op       string
	Children []*Node
}

// Equal reports structural equality.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Value != b.Value || a.Op != b.Op || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Contains reports whether sub appears anywhere in root, root included.
func Contains(root, sub *Node) bool {
	if root == nil || sub == nil {
		return false
	}
	if Equal(root, sub) {
		return true
	}
	for _, c := range root.Children {
		if Contains(c, sub) {
			return true
		}
	}
	return false
}

// Extends reports whether ext strictly contains base: base is a proper
// subtree of ext.
func Extends(ext, base *Node) bool {
	return !Equal(ext, base) && Contains(ext, base)
}

// Refs returns every reference operand in evaluation order.
func Refs(root *Node) []string {
	var out []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.Kind == KindRef {
			out = append(out, n.Value)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// String renders the node back to formula text without the leading '='.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	switch n.Kind {
	case KindText:
		b.WriteString(`"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`)
	case KindCall:
		b.WriteString(n.Value)
		b.WriteByte('(')
		for i, c := range n.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			c.write(b)
		}
		b.WriteByte(')')
	case KindUnary:
		b.WriteString(n.Op)
		n.Children[0].write(b)
	case KindBinary:
		b.WriteByte('(')
		n.Children[0].write(b)
		b.WriteString(n.Op)
		n.Children[1].write(b)
		b.WriteByte(')')
	case KindPostfix:
		n.Children[0].write(b)
		b.WriteString(n.Op)
	default:
		b.WriteString(n.Value)
	}
}
