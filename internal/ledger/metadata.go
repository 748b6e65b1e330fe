package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
)

// Metadata is the key-value bag attached to transactions, escrows and
// resolutions. Writers use the keys below; readers must tolerate extras.
type Metadata map[string]string

// Well-known metadata keys.
const (
	MetaFinalizeEvidence = "finalize_evidence"
	MetaRefundNotes      = "refund_admin_notes"
	MetaRequestID        = "request_id"
	MetaRequestType      = "request_type"
	MetaDisputeID        = "dispute_id"
	MetaFiatReversal     = "fiat_reversal"
	MetaCommissionUSDT   = "commission_usdt"
	MetaAmountUSDT       = "amount_usdt"
	MetaTxHash           = "tx_hash"
	MetaWithdrawalID     = "withdrawal_id"
	MetaReason           = "reason"
	MetaNote             = "note"
)

// FiatReversalManual marks resolutions where any real-world fiat correction
// has to happen outside the system.
const FiatReversalManual = "manual"

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// With returns a copy of m with k set to v.
func (m Metadata) With(k, v string) Metadata {
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	out[k] = v
	return out
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if len(out) == 0 {
		*m = nil
		return nil
	}
	*m = out
	return nil
}
