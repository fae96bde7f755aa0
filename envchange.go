package tds

// ENVCHANGE sub-type codes relevant to the transaction lifecycle
// (§6 "Transaction tokens"). Env-change sub-types that affect row/
// value decoding (database, language, charset) are a token-parser
// concern above this layer and are not decoded here.
const (
	envChangeTypeBeginTran                uint8 = 8
	envChangeTypeCommitTran               uint8 = 9
	envChangeTypeRollbackTran             uint8 = 10
	envChangeTypePacketSize                uint8 = 4
	envChangeTypeDistributedTranBegin      uint8 = 19
	envChangeTypePromoteTran                uint8 = 20
	envChangeTypeDefectTran                 uint8 = 24
)

// EnvChangeTransactionEvent is what the token parser collaborator
// reports back to this core after decoding one ENVCHANGE record whose
// sub-type matters to the transaction lifecycle (§6). PacketSize
// carries the server's renegotiated packet size when Kind reports a
// packet-size change; TxnID carries the 8-byte transaction token for
// the begin/distributed-begin/promote kinds.
type EnvChangeTransactionEvent struct {
	Kind       envChangeKind
	TxnID      uint64
	PacketSize int
}

// readVarByteField reads a one-byte length prefix followed by that
// many bytes, the "B_VARBYTE" wire shape env-change records use for
// their old/new value pair (grounded on the teacher's readBVarByte
// helper).
func readVarByteField(p *ReadPipeline) ([]byte, Outcome, error) {
	lr := p.TryReadByte()
	if lr.Outcome != Completed {
		return nil, lr.Outcome, lr.Err
	}
	n := int(lr.Value)
	buf := make([]byte, n)
	br := p.TryReadBytes(buf, n)
	if br.Outcome != Completed {
		return nil, br.Outcome, br.Err
	}
	return buf, Completed, nil
}

// TryReadEnvChangeTransactionToken decodes one ENVCHANGE token body
// already positioned at its sub-type byte (the 2-byte token length
// prefix has been consumed by the caller, per the usual TDS token
// framing), recognizing only the transaction- and packet-size-related
// sub-types. For any other sub-type only the sub-type byte is consumed:
// the rest of that record is left unread for the token-parser
// collaborator, and ev.Kind is envChangeNone. ok is true only for a
// transaction sub-type; a packet-size change reports ok false with
// ev.PacketSize set.
func TryReadEnvChangeTransactionToken(p *ReadPipeline) (ev EnvChangeTransactionEvent, ok bool, outcome Outcome, err error) {
	kindR := p.TryReadByte()
	if kindR.Outcome != Completed {
		return EnvChangeTransactionEvent{}, false, kindR.Outcome, kindR.Err
	}

	switch kindR.Value {
	case envChangeTypeBeginTran, envChangeTypeDistributedTranBegin, envChangeTypePromoteTran:
		newVal, outcome, err := readVarByteField(p)
		if outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if len(newVal) != 8 {
			return EnvChangeTransactionEvent{}, false, Failed, streamErrorf("invalid size of transaction identifier: %d", len(newVal))
		}
		kind := envChangeBeginTransaction
		if kindR.Value == envChangeTypeDistributedTranBegin {
			kind = envChangeDistributedTransactionBegin
		} else if kindR.Value == envChangeTypePromoteTran {
			kind = envChangePromoteTransaction
		}
		return EnvChangeTransactionEvent{Kind: kind, TxnID: leUint64(newVal)}, true, Completed, nil

	case envChangeTypeCommitTran:
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		return EnvChangeTransactionEvent{Kind: envChangeCommitTransaction}, true, Completed, nil

	case envChangeTypeRollbackTran:
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		return EnvChangeTransactionEvent{Kind: envChangeRollbackTransaction}, true, Completed, nil

	case envChangeTypeDefectTran:
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		return EnvChangeTransactionEvent{Kind: envChangeDefectTransaction}, true, Completed, nil

	case envChangeTypePacketSize:
		newVal, outcome, err := readVarByteField(p)
		if outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		if _, outcome, err := readVarByteField(p); outcome != Completed {
			return EnvChangeTransactionEvent{}, false, outcome, err
		}
		n, convErr := atoiBytes(newVal)
		if convErr != nil {
			return EnvChangeTransactionEvent{}, false, Failed, streamErrorf("invalid packet size value returned from server: %s", convErr.Error())
		}
		return EnvChangeTransactionEvent{Kind: envChangeNone, PacketSize: n}, false, Completed, nil

	default:
		// Value/row-decoding env-change sub-type (database, language,
		// charset, collation, ...): not ours to interpret. The token
		// parser collaborator above this layer owns it; we can't skip
		// a variable-length field blind here without decoding it, so
		// report not-ok and let the caller dispatch to that
		// collaborator instead of looping internally.
		return EnvChangeTransactionEvent{Kind: envChangeNone}, false, Completed, nil
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func atoiBytes(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, streamErrorf("non-numeric packet size field")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
