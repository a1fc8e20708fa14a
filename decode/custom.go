package decode

// CustomDecodeFunc is supplied by an interface-specific collaborator
// (vision/ROS, SOME/IP, Python scripting, all external data-source
// shims) and turns a raw payload into a typed Value. The
// dictionary only stores the association between a CustomRule and the
// signal it feeds; invocation is left to the owning interface.
type CustomDecodeFunc func(payload []byte) (Value, error)

// DecodeCustom applies fn to payload and wraps the result as a Sample
// tagged with rule.SignalID, giving custom decoders the same Sample
// shape produced by DecodeCAN and DecodeOBD.
func DecodeCustom(rule CustomRule, fn CustomDecodeFunc, payload []byte, timestampMs int64) (Sample, error) {
	v, err := fn(payload)
	if err != nil {
		return Sample{}, err
	}
	v.Tag = rule.ValueType
	return Sample{SignalID: rule.SignalID, TimestampMs: timestampMs, Value: v}, nil
}
