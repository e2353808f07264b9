package domain

import (
	"errors"
	"fmt"
)

// ProtocolID names the stream protocol every Subfield peer speaks.
const ProtocolID = "/subfield/1.0.0"

type RequestKind string

const (
	RequestPing         RequestKind = "ping"
	RequestEcho         RequestKind = "echo"
	RequestGetRecord    RequestKind = "get_record"
	RequestPutRecord    RequestKind = "put_record"
	RequestDeleteRecord RequestKind = "delete_record"
	RequestSubscribe    RequestKind = "subscribe"
	RequestUnsubscribe  RequestKind = "unsubscribe"
)

// IsStreaming depends only on the variant tag.
func (k RequestKind) IsStreaming() bool {
	switch k {
	case RequestSubscribe, RequestUnsubscribe:
		return true
	default:
		return false
	}
}

var errMalformedUnion = errors.New("message must carry exactly one variant")

type PingRequest struct {
	Timestamp uint64 `cbor:"timestamp"`
}

type EchoRequest struct {
	Message string `cbor:"message"`
}

type GetRecordRequest struct {
	Key RoutingKey `cbor:"key"`
}

type PutRecordRequest struct {
	Key    RoutingKey `cbor:"key"`
	Record Record     `cbor:"record"`
}

type DeleteRecordRequest struct {
	Key   RoutingKey  `cbor:"key"`
	Proof DeleteProof `cbor:"proof"`
}

type SubscribeRequest struct {
	Key RoutingKey `cbor:"key"`
}

type UnsubscribeRequest struct {
	Key RoutingKey `cbor:"key"`
}

// Request is the tagged union sent as the first frame of every stream.
type Request struct {
	Ping         *PingRequest         `cbor:"ping,omitempty"`
	Echo         *EchoRequest         `cbor:"echo,omitempty"`
	GetRecord    *GetRecordRequest    `cbor:"get_record,omitempty"`
	PutRecord    *PutRecordRequest    `cbor:"put_record,omitempty"`
	DeleteRecord *DeleteRecordRequest `cbor:"delete_record,omitempty"`
	Subscribe    *SubscribeRequest    `cbor:"subscribe,omitempty"`
	Unsubscribe  *UnsubscribeRequest  `cbor:"unsubscribe,omitempty"`
}

func (r Request) Kind() (RequestKind, error) {
	var kinds []RequestKind
	if r.Ping != nil {
		kinds = append(kinds, RequestPing)
	}
	if r.Echo != nil {
		kinds = append(kinds, RequestEcho)
	}
	if r.GetRecord != nil {
		kinds = append(kinds, RequestGetRecord)
	}
	if r.PutRecord != nil {
		kinds = append(kinds, RequestPutRecord)
	}
	if r.DeleteRecord != nil {
		kinds = append(kinds, RequestDeleteRecord)
	}
	if r.Subscribe != nil {
		kinds = append(kinds, RequestSubscribe)
	}
	if r.Unsubscribe != nil {
		kinds = append(kinds, RequestUnsubscribe)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: request has %d variants", errMalformedUnion, len(kinds))
	}
	return kinds[0], nil
}

// FailureKind is the operation-specific failure carried on the wire.
type FailureKind string

const (
	FailurePing         FailureKind = "ping_failure"
	FailureEcho         FailureKind = "echo_failure"
	FailureGetRecord    FailureKind = "get_record_failure"
	FailurePutRecord    FailureKind = "put_record_failure"
	FailureDeleteRecord FailureKind = "delete_record_failure"
	FailureSubscribe    FailureKind = "subscribe_failure"
	FailureUnsubscribe  FailureKind = "unsubscribe_failure"
	FailureStaleWrite   FailureKind = "stale_write"
	FailureLagging      FailureKind = "subscriber_lagging"
	FailureMalformed    FailureKind = "malformed_request"
)

// Err maps a wire failure to the sentinel surfaced to local callers.
func (k FailureKind) Err() error {
	switch k {
	case FailurePing:
		return ErrPingFailure
	case FailureEcho:
		return ErrEchoFailure
	case FailureGetRecord:
		return ErrGetRecordFailure
	case FailurePutRecord:
		return ErrPutRecordFailure
	case FailureDeleteRecord:
		return ErrDeleteRecordFailure
	case FailureSubscribe:
		return ErrSubscribeFailure
	case FailureUnsubscribe:
		return ErrUnsubscribeFailure
	case FailureStaleWrite:
		return ErrStaleWrite
	case FailureLagging:
		return ErrSubscriberLagging
	case FailureMalformed:
		return ErrDeserializationFailed
	default:
		return ErrRequestFailed
	}
}

// FailureFor names the failure a handler reports for a request kind.
func FailureFor(kind RequestKind) FailureKind {
	switch kind {
	case RequestPing:
		return FailurePing
	case RequestEcho:
		return FailureEcho
	case RequestGetRecord:
		return FailureGetRecord
	case RequestPutRecord:
		return FailurePutRecord
	case RequestDeleteRecord:
		return FailureDeleteRecord
	case RequestSubscribe:
		return FailureSubscribe
	case RequestUnsubscribe:
		return FailureUnsubscribe
	default:
		return FailureMalformed
	}
}

type Failure struct {
	Kind    FailureKind `cbor:"kind"`
	Message string      `cbor:"message,omitempty"`
}

func (f Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap lets errors.Is match the mapped sentinel.
func (f Failure) Unwrap() error {
	return f.Kind.Err()
}

type PingResponse struct {
	Timestamp uint64 `cbor:"timestamp"`
}

type EchoResponse struct {
	Message string `cbor:"message"`
}

type GetRecordResponse struct {
	Record Record `cbor:"record"`
}

type PutRecordResponse struct {
	Indexed int `cbor:"indexed"`
}

type DeleteRecordResponse struct {
	Removed int `cbor:"removed"`
}

type SubscribedResponse struct {
	SubscriptionID string `cbor:"subscription_id"`
}

type EventResponse struct {
	Record Record `cbor:"record"`
}

type UnsubscribeResponse struct {
	Closed int `cbor:"closed"`
}

// Response is the tagged union carried by every response frame.
type Response struct {
	Ping         *PingResponse         `cbor:"ping,omitempty"`
	Echo         *EchoResponse         `cbor:"echo,omitempty"`
	GetRecord    *GetRecordResponse    `cbor:"get_record,omitempty"`
	PutRecord    *PutRecordResponse    `cbor:"put_record,omitempty"`
	DeleteRecord *DeleteRecordResponse `cbor:"delete_record,omitempty"`
	Subscribed   *SubscribedResponse   `cbor:"subscribed,omitempty"`
	Event        *EventResponse        `cbor:"event,omitempty"`
	Unsubscribe  *UnsubscribeResponse  `cbor:"unsubscribe,omitempty"`
	Failure      *Failure              `cbor:"failure,omitempty"`
}

// Err returns the failure carried by the response, if any.
func (r Response) Err() error {
	if r.Failure == nil {
		return nil
	}
	return *r.Failure
}

func FailureResponse(kind FailureKind, err error) Response {
	failure := Failure{Kind: kind}
	if err != nil {
		failure.Message = err.Error()
	}
	return Response{Failure: &failure}
}
