package call

// Campaign counter bucket names. Every record occupies exactly one bucket,
// determined by its current state, so the buckets always sum to the
// campaign total.
const (
	BucketPending      = "pending"
	BucketInFlight     = "in_flight"
	BucketAnswered     = "answered"
	BucketBridged      = "bridged"
	BucketFailed       = "failed"
	BucketFakeResponse = "fake_response"
)

// Bucket maps a state to its campaign counter bucket. Completed calls stay
// in the bridged bucket: bridge confirmation is what "connected" means.
func Bucket(s State) string {
	switch s {
	case StatePending:
		return BucketPending
	case StateDialing, StateRinging:
		return BucketInFlight
	case StateAnswered:
		return BucketAnswered
	case StateBridged, StateCompleted:
		return BucketBridged
	case StateFailed:
		return BucketFailed
	case StateFakeResponse:
		return BucketFakeResponse
	}
	return ""
}
