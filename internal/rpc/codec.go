package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of the codec.
const codecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: sorted keys, shortest integers.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialisation failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialisation failed: " + err.Error())
	}
}

var _ encoding.Codec = codec{}

// codec carries plain Go structs over gRPC, so the service needs no
// generated protobuf types.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}

	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}

	return nil
}

func (codec) Name() string {
	return codecName
}
