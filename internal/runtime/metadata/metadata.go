package metadata

// Metadata represents the headers carried alongside a broker message.
type Metadata map[string]string

// Header keys stamped on every routed request.
const (
	// KeyCorrelationID pairs a request message with its response.
	KeyCorrelationID = "correlation_id"

	// KeyDestination names the logical service a request is routed to.
	KeyDestination = "fleetgate_destination"

	// KeyEndpoint carries the normalized endpoint of a routed request.
	KeyEndpoint = "fleetgate_endpoint"

	// KeyAttempt is the 1-based delivery attempt of the gateway's retry loop.
	KeyAttempt = "fleetgate_attempt"

	// KeyReplyTo is the routing key responses must be published with.
	KeyReplyTo = "reply_to"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation header, if present.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// Get, Set and Keys let Metadata act as an OpenTelemetry TextMapCarrier so
// trace context can ride along with broker messages.
func (m Metadata) Get(key string) string {
	return m[key]
}

func (m Metadata) Set(key, value string) {
	m[key] = value
}

func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
