package repo

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// Limits applied while walking a tree, so that a hostile archive cannot make us loop or recurse forever.
const (
	maxTreeDepth = 128
	maxKeyLength = 1024
)

type treeNode struct {
	Left    *Link       `cbor:"l"`
	Entries []treeEntry `cbor:"e"`
}

type treeEntry struct {
	PrefixLen int64  `cbor:"p"`
	KeySuffix []byte `cbor:"k"`
	Value     Link   `cbor:"v"`
	Tree      *Link  `cbor:"t"`
}

// Record is one entry of a repository.
type Record struct {
	Collection string
	RKey       string
	CID        cid.Cid
	Bytes      []byte
}

func (r Record) Path() string {
	return r.Collection + "/" + r.RKey
}

// Walk visits every record reachable from the tree rooted at root, in key order. It stops at the first error
// returned by visit.
func (a *Archive) Walk(root cid.Cid, visit func(Record) error) error {
	w := &walker{archive: a, visit: visit, seen: map[cid.Cid]bool{}}
	return w.node(root, 0)
}

// Records collects every record of the tree rooted at root.
func (a *Archive) Records(root cid.Cid) ([]Record, error) {
	var records []Record
	err := a.Walk(root, func(r Record) error {
		records = append(records, r)
		return nil
	})
	return records, err
}

type walker struct {
	archive *Archive
	visit   func(Record) error
	seen    map[cid.Cid]bool
	lastKey string
}

func (w *walker) node(c cid.Cid, depth int) error {
	if depth > maxTreeDepth {
		return errors.Errorf("tree deeper than %d levels", maxTreeDepth)
	}
	if w.seen[c] {
		return errors.Errorf("tree node %s visited twice", c)
	}
	w.seen[c] = true

	raw, err := w.archive.mustGet(c)
	if err != nil {
		return err
	}
	var n treeNode
	if err := Unmarshal(raw, &n); err != nil {
		return errors.WithMessagef(err, "decoding tree node %s", c)
	}
	if n.Left != nil {
		if err := w.node(n.Left.Cid, depth+1); err != nil {
			return err
		}
	}
	prev := ""
	for _, e := range n.Entries {
		if e.PrefixLen < 0 || int(e.PrefixLen) > len(prev) {
			return errors.Errorf("tree node %s has invalid prefix length %d", c, e.PrefixLen)
		}
		key := prev[:e.PrefixLen] + string(e.KeySuffix)
		if len(key) > maxKeyLength {
			return errors.Errorf("tree key longer than %d bytes", maxKeyLength)
		}
		if key <= w.lastKey && w.lastKey != "" {
			return errors.Errorf("tree keys out of order: %q after %q", key, w.lastKey)
		}
		w.lastKey = key
		prev = key

		if err := w.record(key, e.Value.Cid); err != nil {
			return err
		}
		if e.Tree != nil {
			if err := w.node(e.Tree.Cid, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) record(key string, c cid.Cid) error {
	collection, rkey, ok := strings.Cut(key, "/")
	if !ok || collection == "" || rkey == "" {
		return errors.Errorf("tree key %q is not a record path", key)
	}
	raw, err := w.archive.mustGet(c)
	if err != nil {
		return err
	}
	return w.visit(Record{Collection: collection, RKey: rkey, CID: c, Bytes: raw})
}

// Lookup finds the value stored under key in the tree rooted at root. Only the nodes on the path to key need to be
// in the archive, so it works on the partial archives carried by commit frames.
func (a *Archive) Lookup(root cid.Cid, key string) (cid.Cid, bool, error) {
	c := root
	for depth := 0; depth <= maxTreeDepth; depth++ {
		raw, err := a.mustGet(c)
		if err != nil {
			return cid.Undef, false, err
		}
		var n treeNode
		if err := Unmarshal(raw, &n); err != nil {
			return cid.Undef, false, errors.WithMessagef(err, "decoding tree node %s", c)
		}
		next := n.Left
		prev := ""
		for _, e := range n.Entries {
			if e.PrefixLen < 0 || int(e.PrefixLen) > len(prev) {
				return cid.Undef, false, errors.Errorf("tree node %s has invalid prefix length %d", c, e.PrefixLen)
			}
			k := prev[:e.PrefixLen] + string(e.KeySuffix)
			if k == key {
				return e.Value.Cid, true, nil
			}
			if k > key {
				break
			}
			next = e.Tree
			prev = k
		}
		if next == nil {
			return cid.Undef, false, nil
		}
		c = next.Cid
	}
	return cid.Undef, false, errors.Errorf("tree deeper than %d levels", maxTreeDepth)
}
