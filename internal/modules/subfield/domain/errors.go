package domain

import (
	"errors"

	"subfield/internal/platform/wire"
)

var (
	ErrBootstrapFailedNoUrls       = errors.New("bootstrap failed: no bootstrap urls or multiaddrs configured")
	ErrBootstrapFailedNoMultiaddrs = errors.New("bootstrap failed: no multiaddrs discovered")
	ErrBootstrapFailedDial         = errors.New("bootstrap failed: could not dial any multiaddr")
	ErrInvalidMultiaddr            = errors.New("invalid multiaddr")

	ErrIncompleteKey           = errors.New("key has no fields present")
	ErrCompleteKeyMissingField = errors.New("complete key is missing a field")
	ErrRoutingKeyMissingField  = errors.New("routing key is missing its primary field")
	ErrSerializationFailed     = wire.ErrSerializationFailed
	ErrDeserializationFailed   = wire.ErrDeserializationFailed

	ErrNoConnectedPeers = errors.New("no connected peers")
	ErrNoLocalPeer      = errors.New("local peer is not running")
	ErrSelfIsClosest    = errors.New("self is closest")

	ErrFailedToOpenStream  = errors.New("failed to open stream")
	ErrFailedToWriteStream = wire.ErrFailedToWriteStream
	ErrFailedToReadStream  = wire.ErrFailedToReadStream
	ErrFailedToCloseStream = errors.New("failed to close stream")
	ErrSwarmError          = errors.New("swarm error")
	ErrChannelClosed       = errors.New("channel closed")

	ErrRequestTimeout         = errors.New("request timed out")
	ErrRequestFailed          = errors.New("request failed")
	ErrUnexpectedResponseType = errors.New("unexpected response type")

	ErrEchoFailure         = errors.New("echo failure")
	ErrPingFailure         = errors.New("ping failure")
	ErrGetRecordFailure    = errors.New("get record failure")
	ErrPutRecordFailure    = errors.New("put record failure")
	ErrDeleteRecordFailure = errors.New("delete record failure")
	ErrSubscribeFailure    = errors.New("subscribe failure")
	ErrUnsubscribeFailure  = errors.New("unsubscribe failure")
	ErrStaleWrite          = errors.New("stale write")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrSubscriberLagging   = errors.New("subscriber lagging")

	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnsupportedVersion = errors.New("unsupported body version")
	ErrRecordNotFound     = errors.New("record not found")
)
