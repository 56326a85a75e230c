// Package serialize implements the EPE1 binary export/import format for
// the path trie (spec §6): a stable, little-endian encoding used to move
// a Store between processes or persist it to disk without going through
// the adaptive layer or the compiler.
package serialize

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/arlen-kass/epigen/internal/trie"
)

const (
	magic         = "EPE1"
	formatVersion = uint32(1)

	flagAllowed    = byte(1 << 0)
	flagSuppressed = byte(1 << 1)
)

// ErrBadMagic, ErrTruncated and ErrChildCount are the SerializationError
// causes enumerated in spec §7: malformed import bytes never partially
// mutate the destination store.
var (
	ErrBadMagic    = errors.New("serialize: bad magic")
	ErrTruncated   = errors.New("serialize: truncated input")
	ErrChildCount  = errors.New("serialize: inconsistent child count")
	ErrUnsupported = errors.New("serialize: unsupported format version")
)

// Export writes store's trie to w in EPE1 format: header (magic, format
// version, node count) followed by a pre-order body of node records.
func Export(w io.Writer, store *trie.Store) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(store.NodeCount())); err != nil {
		return err
	}

	if err := writeNode(bw, store.Root(), ""); err != nil {
		return err
	}
	return bw.Flush()
}

func writeNode(w *bufio.Writer, n *trie.Node, segment string) error {
	segBytes := []byte(segment)
	if len(segBytes) > 0xFFFF {
		return fmt.Errorf("serialize: segment %q exceeds u16 length", segment)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(segBytes))); err != nil {
		return err
	}
	if _, err := w.Write(segBytes); err != nil {
		return err
	}

	var flags byte
	if n.Allowed {
		flags |= flagAllowed
	}
	if n.Suppressed {
		flags |= flagSuppressed
	}
	if err := w.WriteByte(flags); err != nil {
		return err
	}

	children := n.ChildSegments()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(children))); err != nil {
		return err
	}
	for _, seg := range children {
		child, _ := n.Child(seg)
		if err := writeNode(w, child, seg); err != nil {
			return err
		}
	}
	return nil
}

// Import reads an EPE1 stream from r and returns a freshly built root node
// plus the total node count read. It never mutates a caller-supplied store
// directly: callers swap the result in with Store.ReplaceRoot only after a
// fully successful import, satisfying spec §7's "definitive failures
// without side effects" for SerializationError.
func Import(r io.Reader) (root *trie.Node, nodeCount uint64, err error) {
	br := bufio.NewReader(r)

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(br, magicBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if string(magicBuf) != magic {
		return nil, 0, ErrBadMagic
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if version != formatVersion {
		return nil, 0, fmt.Errorf("%w: got %d", ErrUnsupported, version)
	}

	var declaredCount uint64
	if err := binary.Read(br, binary.LittleEndian, &declaredCount); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	seen := uint64(0)
	root, _, err = readNode(br, &seen)
	if err != nil {
		return nil, 0, err
	}
	if seen != declaredCount {
		return nil, 0, fmt.Errorf("%w: header declared %d nodes, body contained %d", ErrChildCount, declaredCount, seen)
	}
	return root, seen, nil
}

func readNode(r *bufio.Reader, seen *uint64) (*trie.Node, string, error) {
	var segLen uint16
	if err := binary.Read(r, binary.LittleEndian, &segLen); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	segBytes := make([]byte, segLen)
	if _, err := io.ReadFull(r, segBytes); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	var childCount uint32
	if err := binary.Read(r, binary.LittleEndian, &childCount); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	n := trie.NewNode()
	n.Allowed = flags&flagAllowed != 0
	n.Suppressed = flags&flagSuppressed != 0
	*seen++

	for i := uint32(0); i < childCount; i++ {
		child, seg, err := readNode(r, seen)
		if err != nil {
			return nil, "", err
		}
		if seg == "" {
			return nil, "", fmt.Errorf("%w: non-root node with empty segment", ErrChildCount)
		}
		n.SetChild(seg, child)
	}

	return n, string(segBytes), nil
}

// ImportInto decodes r and, only on full success, replaces dst's root
// in place. serviceID is preserved from dst.
func ImportInto(dst *trie.Store, r io.Reader) error {
	root, _, err := Import(r)
	if err != nil {
		return err
	}
	dst.ReplaceRoot(root, dst.ServiceID())
	return nil
}
