package policy

import (
	"fmt"

	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/expr"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/telemetry"
)

// parseManifest translates a wire DecoderManifest into decode-ready
// rules, resolving each CAN signal's string interface_id to the
// numeric ID the decode/dictionary packages key on.
func parseManifest(raw telemetry.DecoderManifest, interfaceIDs map[string]uint32) (*Manifest, error) {
	m := &Manifest{ID: raw.SyncID}

	for _, cs := range raw.CanSignals {
		valueType, err := parseValueType(cs.SignalValueType)
		if err != nil {
			return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: can_signal %d: %w", cs.SignalID, err))
		}
		rule := decode.CanRule{
			InterfaceID:        cs.InterfaceID,
			InterfaceNumericID: interfaceIDs[cs.InterfaceID],
			FrameID:            cs.MessageID,
			StartBit:           cs.StartBit,
			BitLength:          cs.Length,
			Signed:             cs.IsSigned,
			Scale:              cs.Factor,
			Offset:             cs.Offset,
			SignalID:           decode.SignalID(cs.SignalID),
			ValueType:          valueType,
		}
		if cs.IsBigEndian {
			rule.Endianness = decode.BigEndian
		} else {
			rule.Endianness = decode.LittleEndian
		}
		if cs.PrimitiveType == "float" {
			rule.RawType = decode.RawFloatBits
		} else {
			rule.RawType = decode.RawInteger
		}
		m.CanRules = append(m.CanRules, rule)
	}

	for _, ps := range raw.ObdPidSignals {
		valueType, err := parseValueType(ps.SignalValueType)
		if err != nil {
			return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: obd_pid_signal %d: %w", ps.SignalID, err))
		}
		m.PidRules = append(m.PidRules, decode.PidRule{
			ServiceMode:    ps.ServiceMode,
			PID:            ps.PID,
			ResponseLength: ps.PidResponseLength,
			StartByte:      ps.StartByte,
			ByteLength:     ps.ByteLength,
			BitRightShift:  ps.BitRightShift,
			BitMaskLength:  ps.BitMaskLength,
			Scale:          ps.Scaling,
			Offset:         ps.Offset,
			Signed:         ps.IsSigned,
			SignalID:       decode.SignalID(ps.SignalID),
			ValueType:      valueType,
		})
	}

	for _, cd := range raw.CustomDecodingSignals {
		m.CustomRules = append(m.CustomRules, decode.CustomRule{
			InterfaceID: cd.InterfaceID,
			DecoderName: cd.CustomDecodingID,
			SignalID:    decode.SignalID(cd.SignalID),
			ValueType:   decode.TypeF64,
		})
	}

	for _, cs := range raw.ComplexSignals {
		id := decode.SignalID(cs.SignalID)
		parent := decode.SignalID(cs.ParentSignalID)
		if id == 0 {
			id = synthesizePartialSignalID(parent, cs.Path)
		}
		m.ComplexRefs = append(m.ComplexRefs, dictionary.ComplexSignalRef{
			SignalID:       id,
			ParentSignalID: parent,
			Path:           cs.Path,
		})
	}

	return m, nil
}

// parseScheme translates a wire CollectionScheme into a decode-ready
// Scheme, compiling its condition tree and signal/fetch declarations.
// State is left for the caller to fill in against the current clock.
func parseScheme(raw telemetry.CollectionScheme) (*Scheme, error) {
	sc := &Scheme{
		ID:              raw.CampaignSyncID,
		ManifestID:      raw.DecoderManifestSyncID,
		StartTimeMs:     raw.StartTimeMsEpoch,
		ExpiryTimeMs:    raw.ExpiryTimeMsEpoch,
		AfterDurationMs: raw.AfterDurationMs,
		IncludeDTCs:     raw.IncludeActiveDTCs,
		Priority:        raw.Priority,
		PersistFlag:     raw.PersistAllCollectedData,
		CompressFlag:    raw.CompressCollectedData,
	}

	switch {
	case raw.ConditionBased != nil:
		mode, err := parseTriggerMode(raw.ConditionBased.TriggerMode)
		if err != nil {
			return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: scheme %s: %w", sc.ID, err))
		}
		tree, err := buildTree(raw.ConditionBased.ConditionTree)
		if err != nil {
			return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: scheme %s: %w", sc.ID, err))
		}
		sc.MinimumTriggerIntervalMs = raw.ConditionBased.MinimumIntervalMs
		sc.TriggerMode = mode
		sc.Tree = tree
	case raw.TimeBased != nil:
		sc.MinimumTriggerIntervalMs = raw.TimeBased.PeriodMs
		sc.TriggerMode = inspection.TriggerAlways
		always := expr.NewTree()
		always.Root = always.Add(expr.Node{Kind: expr.NodeBoolConst, BoolValue: true})
		sc.Tree = always
	default:
		return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: scheme %s declares neither time_based nor condition_based", sc.ID))
	}

	for _, si := range raw.SignalInformation {
		signalID := decode.SignalID(si.SignalID)
		sc.Signals = append(sc.Signals, inspection.SignalSpec{
			SignalID:                signalID,
			SampleBufferSize:        si.SampleBufferSize,
			MinimumSampleIntervalMs: si.MinimumSamplePeriodMs,
			FixedWindowPeriodMs:     si.FixedWindowPeriodMs,
			ConditionOnly:           si.ConditionOnlySignal,
		})
		if !si.ConditionOnlySignal {
			sc.SignalsCollected = append(sc.SignalsCollected, signalID)
		}
	}

	for _, fi := range raw.SignalFetchInformation {
		mode, err := parseFetchMode(fi.Mode)
		if err != nil {
			return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: scheme %s fetch directive: %w", sc.ID, err))
		}
		d := fetch.Directive{
			SchemeID:       sc.ID,
			TargetSignalID: decode.SignalID(fi.TargetSignalID),
			Mode:           mode,
			MaxExecutions:  fi.MaxExecutions,
			PeriodMs:       fi.PeriodMs,
			ResetWindowMs:  fi.ResetWindowMs,
			RisingEdgeOnly: fi.RisingEdgeOnly,
			Actions:        fi.Actions,
		}
		if fi.TriggerCondition != nil {
			tree, err := buildTree(*fi.TriggerCondition)
			if err != nil {
				return nil, fault.New(fault.KindSchemaInvalid, fmt.Errorf("policy: scheme %s fetch directive: %w", sc.ID, err))
			}
			d.TriggerCondition = tree
		}
		sc.FetchDirectives = append(sc.FetchDirectives, d)
	}

	return sc, nil
}

// buildTree compiles a wire ConditionNode tree into an expr.Tree arena
// by a post-order walk: children are added before their parent so the
// parent's Children field can reference already-minted NodeIDs.
func buildTree(root telemetry.ConditionNode) (*expr.Tree, error) {
	t := expr.NewTree()
	id, err := addConditionNode(t, root)
	if err != nil {
		return nil, err
	}
	t.Root = id
	return t, nil
}

func addConditionNode(t *expr.Tree, n telemetry.ConditionNode) (expr.NodeID, error) {
	kind, err := parseNodeKind(n.Kind)
	if err != nil {
		return expr.InvalidNode, err
	}
	wt, err := parseWindowType(n.WindowType)
	if err != nil {
		return expr.InvalidNode, err
	}
	children := make([]expr.NodeID, len(n.Children))
	for i, c := range n.Children {
		cid, err := addConditionNode(t, c)
		if err != nil {
			return expr.InvalidNode, err
		}
		children[i] = cid
	}
	return t.Add(expr.Node{
		Kind:         kind,
		BoolValue:    n.BoolValue,
		DoubleValue:  n.DoubleValue,
		StringValue:  n.StringValue,
		SignalID:     decode.SignalID(n.SignalID),
		WindowType:   wt,
		FunctionName: n.FunctionName,
		Children:     children,
	}), nil
}

func parseNodeKind(s string) (expr.NodeKind, error) {
	switch s {
	case "bool_const":
		return expr.NodeBoolConst, nil
	case "double_const":
		return expr.NodeDoubleConst, nil
	case "string_const":
		return expr.NodeStringConst, nil
	case "signal_ref":
		return expr.NodeSignalRef, nil
	case "and":
		return expr.NodeAnd, nil
	case "or":
		return expr.NodeOr, nil
	case "not":
		return expr.NodeNot, nil
	case "lt":
		return expr.NodeLt, nil
	case "le":
		return expr.NodeLe, nil
	case "gt":
		return expr.NodeGt, nil
	case "ge":
		return expr.NodeGe, nil
	case "eq":
		return expr.NodeEq, nil
	case "ne":
		return expr.NodeNe, nil
	case "add":
		return expr.NodeAdd, nil
	case "sub":
		return expr.NodeSub, nil
	case "mul":
		return expr.NodeMul, nil
	case "div":
		return expr.NodeDiv, nil
	case "window_function":
		return expr.NodeWindowFunction, nil
	case "custom_function":
		return expr.NodeCustomFunction, nil
	case "is_null":
		return expr.NodeIsNull, nil
	default:
		return 0, fmt.Errorf("policy: unknown condition node kind %q", s)
	}
}

func parseWindowType(s string) (expr.WindowType, error) {
	switch s {
	case "":
		return expr.LastWindowMin, nil
	case "last_min":
		return expr.LastWindowMin, nil
	case "last_max":
		return expr.LastWindowMax, nil
	case "last_avg":
		return expr.LastWindowAvg, nil
	case "prev_min":
		return expr.PrevWindowMin, nil
	case "prev_max":
		return expr.PrevWindowMax, nil
	case "prev_avg":
		return expr.PrevWindowAvg, nil
	default:
		return 0, fmt.Errorf("policy: unknown window_type %q", s)
	}
}

func parseTriggerMode(s string) (inspection.TriggerMode, error) {
	switch s {
	case "always":
		return inspection.TriggerAlways, nil
	case "rising-edge":
		return inspection.TriggerRisingEdge, nil
	default:
		return 0, fmt.Errorf("policy: unknown trigger_mode %q", s)
	}
}

func parseFetchMode(s string) (fetch.Mode, error) {
	switch s {
	case "time":
		return fetch.ModeTime, nil
	case "condition":
		return fetch.ModeCondition, nil
	default:
		return 0, fmt.Errorf("policy: unknown fetch mode %q", s)
	}
}

func parseValueType(s string) (decode.TypeTag, error) {
	switch s {
	case "bool":
		return decode.TypeBool, nil
	case "u8":
		return decode.TypeU8, nil
	case "u16":
		return decode.TypeU16, nil
	case "u32":
		return decode.TypeU32, nil
	case "u64":
		return decode.TypeU64, nil
	case "i8":
		return decode.TypeI8, nil
	case "i16":
		return decode.TypeI16, nil
	case "i32":
		return decode.TypeI32, nil
	case "i64":
		return decode.TypeI64, nil
	case "f32":
		return decode.TypeF32, nil
	case "f64":
		return decode.TypeF64, nil
	case "raw-handle":
		return decode.TypeRawHandle, nil
	default:
		return 0, fmt.Errorf("policy: unknown signal_value_type %q", s)
	}
}
