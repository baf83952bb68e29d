// Package repotest builds repository archives for tests.
package repotest

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/repoindex/repoindex/internal/repo"
)

var prefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

type block struct {
	id   cid.Cid
	data []byte
}

// Builder assembles a CAR archive block by block.
type Builder struct {
	blocks []block
}

// Put encodes v as DAG-CBOR, adds it as a block and returns its CID.
func (b *Builder) Put(v interface{}) cid.Cid {
	data, err := repo.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b.PutRaw(data)
}

func (b *Builder) PutRaw(data []byte) cid.Cid {
	id, err := prefix.Sum(data)
	if err != nil {
		panic(err)
	}
	b.blocks = append(b.blocks, block{id: id, data: data})
	return id
}

// CAR writes a CARv1 stream with the given roots and every block added so far.
func (b *Builder) CAR(roots ...cid.Cid) []byte {
	links := make([]repo.Link, len(roots))
	for i, r := range roots {
		links[i] = repo.Link{Cid: r}
	}
	header, err := repo.Marshal(map[string]interface{}{"roots": links, "version": 1})
	if err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	writeSection(&buf, header)
	for _, blk := range b.blocks {
		writeSection(&buf, append(blk.id.Bytes(), blk.data...))
	}
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, data []byte) {
	buf.Write(binary.AppendUvarint(nil, uint64(len(data))))
	buf.Write(data)
}

// Repo describes a repository to build.
type Repo struct {
	DID string
	Rev string
	Sig []byte
	// Key signs the commit when set, replacing Sig.
	Key SigningKey
	// Records maps "<collection>/<rkey>" to a record value, encoded as DAG-CBOR.
	Records map[string]interface{}
	// Split puts the first half of the keys in a left subtree, to exercise tree walking.
	Split bool
}

// Built is the result of building a Repo.
type Built struct {
	CAR     []byte
	Commit  cid.Cid
	Data    cid.Cid
	Records map[string]cid.Cid
	Builder *Builder
}

type node struct {
	Left    *repo.Link `cbor:"l"`
	Entries []entry    `cbor:"e"`
}

type entry struct {
	PrefixLen int64      `cbor:"p"`
	KeySuffix []byte     `cbor:"k"`
	Value     repo.Link  `cbor:"v"`
	Tree      *repo.Link `cbor:"t"`
}

// Build writes the records, a tree over them and a commit into a CAR archive rooted at the commit.
func Build(r Repo) *Built {
	b := &Builder{}
	built := &Built{Builder: b, Records: map[string]cid.Cid{}}

	keys := make([]string, 0, len(r.Records))
	for k := range r.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		built.Records[k] = b.Put(r.Records[k])
	}

	var left *repo.Link
	rootKeys := keys
	if r.Split && len(keys) > 1 {
		half := len(keys) / 2
		l := repo.Link{Cid: b.Put(treeNode(keys[:half], built.Records, nil))}
		left = &l
		rootKeys = keys[half:]
	}
	built.Data = b.Put(treeNode(rootKeys, built.Records, left))

	commit := &repo.Commit{
		DID:     r.DID,
		Version: 3,
		Data:    repo.Link{Cid: built.Data},
		Rev:     r.Rev,
		Sig:     r.Sig,
	}
	switch {
	case r.Key != nil:
		unsigned, err := commit.UnsignedBytes()
		if err != nil {
			panic(err)
		}
		commit.Sig = r.Key.Sign(unsigned)
	case commit.Sig == nil:
		commit.Sig = []byte("signature")
	}
	built.Commit = b.Put(commit)
	built.CAR = b.CAR(built.Commit)
	return built
}

func treeNode(keys []string, values map[string]cid.Cid, left *repo.Link) *node {
	n := &node{Left: left, Entries: []entry{}}
	prev := ""
	for _, k := range keys {
		p := commonPrefix(prev, k)
		n.Entries = append(n.Entries, entry{
			PrefixLen: int64(p),
			KeySuffix: []byte(k[p:]),
			Value:     repo.Link{Cid: values[k]},
		})
		prev = k
	}
	return n
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
