// Package telemetry defines the semantic fields of the inbound and
// outbound wire messages the agent exchanges with the cloud, using
// JSON as the concrete encoding. The broker-facing wire format is the
// connectivity collaborator's concern; JSON gives the pipeline a
// runnable, testable codec rather than an abstract placeholder.
package telemetry

// DecoderManifest is the cloud-delivered rule set mapping bus messages
// to signal IDs.
type DecoderManifest struct {
	SyncID               string                `json:"sync_id"`
	CanSignals           []CanSignal           `json:"can_signals"`
	ObdPidSignals        []ObdPidSignal        `json:"obd_pid_signals"`
	CustomDecodingSignals []CustomDecodingSignal `json:"custom_decoding_signals"`
	ComplexTypes         []ComplexType         `json:"complex_types,omitempty"`
	ComplexSignals       []ComplexSignal       `json:"complex_signals,omitempty"`
}

// CanSignal is one decoder manifest entry for a raw CAN signal.
type CanSignal struct {
	SignalID        uint32  `json:"signal_id"`
	InterfaceID     string  `json:"interface_id"`
	MessageID       uint32  `json:"message_id"`
	IsBigEndian     bool    `json:"is_big_endian"`
	IsSigned        bool    `json:"is_signed"`
	StartBit        uint16  `json:"start_bit"`
	Length          uint8   `json:"length"`
	Factor          float64 `json:"factor"`
	Offset          float64 `json:"offset"`
	PrimitiveType   string  `json:"primitive_type"` // "integer" | "float"
	SignalValueType string  `json:"signal_value_type"`
}

// ObdPidSignal is one decoder manifest entry for an OBD-II PID signal.
type ObdPidSignal struct {
	SignalID          uint32  `json:"signal_id"`
	ServiceMode       uint8   `json:"service_mode"`
	PID               uint16  `json:"pid"`
	PidResponseLength int     `json:"pid_response_length"`
	Scaling           float64 `json:"scaling"`
	Offset            float64 `json:"offset"`
	StartByte         int     `json:"start_byte"`
	ByteLength        int     `json:"byte_length"`
	BitRightShift     uint8   `json:"bit_right_shift"`
	BitMaskLength     uint8   `json:"bit_mask_length"`
	PrimitiveType     string  `json:"primitive_type"`
	IsSigned          bool    `json:"is_signed"`
	SignalValueType   string  `json:"signal_value_type"`
}

// CustomDecodingSignal associates a signal with an interface-specific
// custom decoder by name.
type CustomDecodingSignal struct {
	SignalID       uint32 `json:"signal_id"`
	InterfaceID    string `json:"interface_id"`
	CustomDecodingID string `json:"custom_decoding_id"`
}

// ComplexType describes a structured signal's shape. The agent does
// not interpret complex payloads; it only
// carries the declaration through for partial-signal identity.
type ComplexType struct {
	TypeID string   `json:"type_id"`
	Fields []string `json:"fields"`
}

// ComplexSignal is a partial-signal reference into a ComplexType.
type ComplexSignal struct {
	SignalID       uint32 `json:"signal_id"`
	ParentSignalID uint32 `json:"parent_signal_id"`
	Path           string `json:"path"`
}

// CollectionSchemes is the cloud-delivered policy list.
type CollectionSchemes struct {
	CollectionSchemes []CollectionScheme `json:"collection_schemes"`
}

// CollectionScheme is one cloud-delivered collection policy.
type CollectionScheme struct {
	CampaignSyncID         string                 `json:"campaign_sync_id"`
	DecoderManifestSyncID  string                 `json:"decoder_manifest_sync_id"`
	StartTimeMsEpoch       int64                  `json:"start_time_ms_epoch"`
	ExpiryTimeMsEpoch      int64                  `json:"expiry_time_ms_epoch"`
	AfterDurationMs        int64                  `json:"after_duration_ms"`
	IncludeActiveDTCs      bool                   `json:"include_active_dtcs"`
	PersistAllCollectedData bool                  `json:"persist_all_collected_data"`
	CompressCollectedData  bool                   `json:"compress_collected_data"`
	Priority               int                    `json:"priority"`
	TimeBased              *TimeBasedTrigger      `json:"time_based,omitempty"`
	ConditionBased         *ConditionBasedTrigger `json:"condition_based,omitempty"`
	SignalInformation      []SignalInformation    `json:"signal_information"`
	SignalFetchInformation []SignalFetchInformation `json:"signal_fetch_information,omitempty"`
}

// TimeBasedTrigger fires unconditionally on a fixed period.
type TimeBasedTrigger struct {
	PeriodMs int64 `json:"period_ms"`
}

// ConditionBasedTrigger fires when ConditionTree evaluates true.
type ConditionBasedTrigger struct {
	MinimumIntervalMs int64         `json:"minimum_interval_ms"`
	LanguageVersion   int           `json:"language_version"`
	TriggerMode       string        `json:"trigger_mode"` // "always" | "rising-edge"
	ConditionTree     ConditionNode `json:"condition_tree"`
}

// SignalInformation declares windowing parameters for one signal
// referenced by a scheme.
type SignalInformation struct {
	SignalID               uint32 `json:"signal_id"`
	SampleBufferSize       int    `json:"sample_buffer_size"`
	MinimumSamplePeriodMs  int64  `json:"minimum_sample_period_ms"`
	FixedWindowPeriodMs    int64  `json:"fixed_window_period_ms"`
	ConditionOnlySignal    bool   `json:"condition_only_signal"`
	DataPartitionID        string `json:"data_partition_id,omitempty"`
}

// SignalFetchInformation declares a proactive fetch directive.
type SignalFetchInformation struct {
	TargetSignalID   uint32          `json:"target_signal_id"`
	Mode             string          `json:"mode"` // "time" | "condition"
	MaxExecutions    int             `json:"max_executions,omitempty"`
	PeriodMs         int64           `json:"period_ms,omitempty"`
	ResetWindowMs    int64           `json:"reset_window_ms,omitempty"`
	TriggerCondition *ConditionNode  `json:"trigger_condition,omitempty"`
	RisingEdgeOnly   bool            `json:"rising_edge_only,omitempty"`
	Actions          []string        `json:"actions,omitempty"`
}

// ConditionNode is the JSON shape of one node in an algebraic
// condition tree; the policy package compiles a tree of these into an
// expr.Tree arena.
type ConditionNode struct {
	Kind         string          `json:"kind"`
	BoolValue    bool            `json:"bool_value,omitempty"`
	DoubleValue  float64         `json:"double_value,omitempty"`
	StringValue  string          `json:"string_value,omitempty"`
	SignalID     uint32          `json:"signal_id,omitempty"`
	WindowType   string          `json:"window_type,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	Children     []ConditionNode `json:"children,omitempty"`
}

// Checkin is the periodic acknowledgment of currently loaded schemas.
type Checkin struct {
	TimestampMsEpoch int64    `json:"timestamp_ms_epoch"`
	DocumentSyncIDs  []string `json:"document_sync_ids"`
}

// Payload is an outbound telemetry report triggered by a condition.
type Payload struct {
	SchemeID  string          `json:"scheme_id"`
	EventTime int64           `json:"event_time"`
	Signals   []PayloadSignal `json:"signals"`
	DTCs      []string        `json:"dtcs,omitempty"`
}

// PayloadSignal is one collected signal sample within a Payload.
type PayloadSignal struct {
	ID    uint32  `json:"id"`
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}
