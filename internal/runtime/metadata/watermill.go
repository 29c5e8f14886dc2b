package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill reads the headers of a received message. The result never
// aliases the message, so handlers may add keys before replying.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	maps.Copy(out, md)
	return out
}

// ToWatermill builds the headers of an outgoing message. Keys with an empty
// value are left out, so an unset reply_to or trace header is absent rather
// than blank on the wire.
func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
