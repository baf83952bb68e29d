package repo

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// cidLinkTag is the CBOR tag for content links in DAG-CBOR.
const cidLinkTag = 42

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// DAG-CBOR sorts map keys by length first, which is cbor's "canonical" order.
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Link is a content address embedded in a DAG-CBOR document.
type Link struct {
	cid.Cid
}

func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Defined() {
		return nil, errors.New("cannot encode undefined link")
	}
	return encMode.Marshal(cbor.Tag{Number: cidLinkTag, Content: append([]byte{0}, l.Bytes()...)})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return errors.Wrap(err, "decoding link")
	}
	if tag.Number != cidLinkTag {
		return errors.Errorf("expected link tag %d, got %d", cidLinkTag, tag.Number)
	}
	var raw []byte
	if err := decMode.Unmarshal(tag.Content, &raw); err != nil {
		return errors.Wrap(err, "decoding link bytes")
	}
	if len(raw) < 1 || raw[0] != 0 {
		return errors.New("link bytes lack multibase identity prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return errors.Wrap(err, "decoding link cid")
	}
	l.Cid = c
	return nil
}

// Marshal encodes v as DAG-CBOR.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	return b, errors.WithStack(err)
}

// Unmarshal decodes DAG-CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return errors.WithStack(decMode.Unmarshal(data, v))
}
