package monitor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/taskmonitor/tkm-collector/pkg/envelope"
)

// DataKind discriminates the measurement payload carried by a Data
// envelope. Values are part of the wire contract.
type DataKind uint8

const (
	DataProcAcct         DataKind = 1
	DataProcEvent        DataKind = 2
	DataProcInfo         DataKind = 3
	DataContextInfo      DataKind = 4
	DataSysProcStat      DataKind = 5
	DataSysProcMeminfo   DataKind = 6
	DataSysProcPressure  DataKind = 7
	DataSysProcDiskStats DataKind = 8
	DataSysProcVMStat    DataKind = 9
	DataSysProcBuddyInfo DataKind = 10
	DataSysProcWireless  DataKind = 11
)

// String returns the data kind name.
func (k DataKind) String() string {
	switch k {
	case DataProcAcct:
		return "ProcAcct"
	case DataProcEvent:
		return "ProcEvent"
	case DataProcInfo:
		return "ProcInfo"
	case DataContextInfo:
		return "ContextInfo"
	case DataSysProcStat:
		return "SysProcStat"
	case DataSysProcMeminfo:
		return "SysProcMeminfo"
	case DataSysProcPressure:
		return "SysProcPressure"
	case DataSysProcDiskStats:
		return "SysProcDiskStats"
	case DataSysProcVMStat:
		return "SysProcVMStat"
	case DataSysProcBuddyInfo:
		return "SysProcBuddyInfo"
	case DataSysProcWireless:
		return "SysProcWireless"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the kind is a known wire value.
func (k DataKind) IsValid() bool {
	return k >= DataProcAcct && k <= DataSysProcWireless
}

// Data is the body of every Data envelope: the payload kind, the agent's
// clocks at sampling time, and the payload itself, still CBOR-encoded.
//
// CBOR encoding:
//
//	{
//	  1: kind,            // uint8 DataKind
//	  2: system_time,     // uint64: agent wall clock, epoch seconds
//	  3: monotonic_time,  // uint64: agent monotonic clock, seconds
//	  4: payload          // byte string: CBOR payload for the kind
//	}
type Data struct {
	Kind          DataKind        `cbor:"1,keyasint"`
	SystemTime    uint64          `cbor:"2,keyasint"`
	MonotonicTime uint64          `cbor:"3,keyasint"`
	Payload       cbor.RawMessage `cbor:"4,keyasint"`
}

// Pack builds a Data record around the given payload.
func Pack(kind DataKind, systemTime, monotonicTime uint64, payload any) (*Data, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid data kind: %d", uint8(kind))
	}
	raw, err := envelope.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Data{
		Kind:          kind,
		SystemTime:    systemTime,
		MonotonicTime: monotonicTime,
		Payload:       raw,
	}, nil
}

// Decode unpacks the payload into v, which must match the record's kind.
func (d *Data) Decode(v any) error {
	if len(d.Payload) == 0 {
		return fmt.Errorf("%s data has no payload", d.Kind)
	}
	if err := envelope.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", d.Kind, err)
	}
	return nil
}
