// Package repo reads repository archives: a CAR file holding a signed commit whose data is a Merkle search tree
// of records.
package repo

import (
	"io"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car/v2"
	"github.com/pkg/errors"
)

// Archive is the decoded content of a CAR file: its roots and every block it carries.
type Archive struct {
	Roots  []cid.Cid
	blocks map[cid.Cid][]byte
}

// ReadArchive reads a CAR stream in full. Block hashes are checked against their CIDs.
func ReadArchive(r io.Reader) (*Archive, error) {
	br, err := car.NewBlockReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading archive header")
	}
	a := &Archive{Roots: br.Roots, blocks: map[cid.Cid][]byte{}}
	for {
		blk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading archive block")
		}
		a.blocks[blk.Cid()] = blk.RawData()
	}
	return a, nil
}

// Get returns the raw bytes of block c.
func (a *Archive) Get(c cid.Cid) ([]byte, bool) {
	b, ok := a.blocks[c]
	return b, ok
}

func (a *Archive) Len() int {
	return len(a.blocks)
}

func (a *Archive) mustGet(c cid.Cid) ([]byte, error) {
	b, ok := a.blocks[c]
	if !ok {
		return nil, errors.Errorf("block %s missing from archive", c)
	}
	return b, nil
}

// Root returns the single root of the archive.
func (a *Archive) Root() (cid.Cid, error) {
	if len(a.Roots) != 1 {
		return cid.Undef, errors.Errorf("expected one root, archive has %d", len(a.Roots))
	}
	return a.Roots[0], nil
}
