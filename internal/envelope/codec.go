package envelope

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical envelope always produces
// identical signing bytes, regardless of which side serializes it.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Only used by tests and tooling; the wire
// framing is JSON, with CBOR reserved for the signature input.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Address implements encoding.TextMarshaler; serialize it as a CBOR text
	// string rather than an empty map of unexported fields.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// marshalCanonical encodes v using Core Deterministic Encoding.
func marshalCanonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}
