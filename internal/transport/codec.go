package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype under which the donor messages travel ("application/grpc+repwire").
const codecName = "repwire"

// message is implemented by every type sent over the donor service.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", codecName, v)
	}
	return m.marshal(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", codecName, v)
	}
	return m.unmarshal(data)
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
