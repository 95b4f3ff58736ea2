package units

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// EncodeRLP stores the raw base unit integer so snapshots carry amounts
// without a separate wire type.
func (a Amount[D]) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, a.v.ToBig())
}

func (a *Amount[D]) DecodeRLP(s *rlp.Stream) error {
	v, err := s.BigInt()
	if err != nil {
		return err
	}
	parsed, err := FromBig[D](v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
