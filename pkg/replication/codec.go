package replication

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// The encoder uses Core Deterministic Encoding so that the same
// logical dataset state always produces identical bytes; content
// checksums rely on this.
var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	var err error

	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor encoder initialization failed: " + err.Error())
	}

	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cbor decoder initialization failed: " + err.Error())
	}
}

func cborMarshal(value interface{}) ([]byte, error) {
	return cborEncMode.Marshal(value)
}

func cborUnmarshal(data []byte, value interface{}) error {
	return cborDecMode.Unmarshal(data, value)
}

func cborEncoder(w io.Writer) *cbor.Encoder {
	return cborEncMode.NewEncoder(w)
}

func cborDecoder(r io.Reader) *cbor.Decoder {
	return cborDecMode.NewDecoder(r)
}
