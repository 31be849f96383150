package rpc

import (
	"encoding/json"
	"errors"

	"connectrpc.com/connect"

	"github.com/manchtools/splitplay/broker/internal/apierr"
)

// ServiceName is the fully-qualified name of the broker service.
const ServiceName = "splitplay.broker.v1.BrokerService"

// ProcedurePrefix prefixes every procedure path.
const ProcedurePrefix = "/" + ServiceName + "/"

// maxMessageBytes leaves room for a base64 encoded file of the maximum size.
const maxMessageBytes = 96 << 20

// Codec encodes messages as JSON. The messages are plain structs, so the
// protobuf based codecs of connect do not apply.
type Codec struct{}

// Name implements connect.Codec. It replaces connect's protojson codec.
func (Codec) Name() string { return "json" }

// Marshal implements connect.Codec.
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements connect.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// =============================================================================
// Error Mapping
// =============================================================================

// toConnectError maps broker error kinds onto connect codes.
func toConnectError(err error) error {
	code := connect.CodeInternal
	switch apierr.KindOf(err) {
	case apierr.KindInvalidArgs:
		code = connect.CodeInvalidArgument
	case apierr.KindAccessDenied:
		code = connect.CodePermissionDenied
	}
	return connect.NewError(code, err)
}

// fromConnectError restores the broker error kind of a failed call.
func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return apierr.Failedw(err, "call broker")
	}
	switch cerr.Code() {
	case connect.CodeInvalidArgument:
		return apierr.InvalidArgs("%s", cerr.Message())
	case connect.CodePermissionDenied:
		return apierr.AccessDenied("%s", cerr.Message())
	case connect.CodeInternal:
		return apierr.Failed("%s", cerr.Message())
	default:
		return apierr.Failedw(err, "call broker")
	}
}
