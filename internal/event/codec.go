package event

import (
	"encoding/json"
	"fmt"

	"EqualisLedger/internal/fees"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Wire is the JSON form of every command. Field names use snake_case to
// match upstream producers; amounts are base-10 strings in token units and
// keys are hex. Each event type reads only the fields it needs.
type Wire struct {
	ID          string `json:"id"`
	Pool        uint32 `json:"pool"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`

	Key    string `json:"key,omitempty"`
	Caller string `json:"caller,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount,omitempty"`
	Term   int64  `json:"term_us,omitempty"`
	LoanID uint64 `json:"loan_id,omitempty"`

	OfferID        string `json:"offer_id,omitempty"`
	AgreementID    string `json:"agreement_id,omitempty"`
	Lender         string `json:"lender,omitempty"`
	Borrower       string `json:"borrower,omitempty"`
	Principal      string `json:"principal,omitempty"`
	CollateralPool uint32 `json:"collateral_pool,omitempty"`
	Collateral     string `json:"collateral,omitempty"`
	FeeBps         uint16 `json:"fee_bps,omitempty"`

	Requirement      string `json:"requirement,omitempty"`
	RequirementAsset string `json:"requirement_asset,omitempty"`
	Loss             string `json:"loss,omitempty"`
	Fee              string `json:"fee,omitempty"`
	Source           string `json:"source,omitempty"`

	Paused bool                  `json:"paused,omitempty"`
	Config *state.ConfigSnapshot `json:"config,omitempty"`
}

// Decode parses a command of the given type.
func Decode(t EventType, data []byte) (Event, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	evt, err := w.Event(t)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	return evt, nil
}

// Encode renders evt in wire form. Decode(evt.EventType(), Encode(evt))
// yields an equal event.
func Encode(evt Event) ([]byte, error) {
	w, err := ToWire(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// wireReader parses fields and keeps the first error.
type wireReader struct {
	err error
}

func (r *wireReader) amount(field, s string) *uint256.Int {
	if r.err != nil {
		return nil
	}
	if s == "" {
		return nil
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", field, err)
		return nil
	}
	return v
}

func (r *wireReader) key(field, s string) position.Key {
	if r.err != nil {
		return position.Key{}
	}
	k, err := position.ParseKey(s)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", field, err)
	}
	return k
}

func (r *wireReader) id(field, s string) uuid.UUID {
	if r.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", field, err)
	}
	return id
}

func (r *wireReader) config(cs *state.ConfigSnapshot) state.PoolConfig {
	if r.err != nil {
		return state.PoolConfig{}
	}
	if cs == nil {
		r.err = fmt.Errorf("config: missing")
		return state.PoolConfig{}
	}
	cfg, err := cs.Config()
	if err != nil {
		r.err = fmt.Errorf("config: %w", err)
	}
	return cfg
}

// Event builds the typed event t from the wire fields.
func (w *Wire) Event(t EventType) (Event, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("id: missing")
	}
	h := Header{ID: w.ID, Pool: w.Pool, Sequence: w.Sequence, Time: w.TimestampUs}
	var r wireReader
	var evt Event

	switch t {
	case EventTypePoolCreated:
		evt = &PoolCreated{Header: h, Config: r.config(w.Config)}
	case EventTypePoolPaused:
		evt = &PoolPaused{Header: h, Paused: w.Paused}
	case EventTypePoolConfigUpdated:
		evt = &PoolConfigUpdated{Header: h, Config: r.config(w.Config)}
	case EventTypeDeposit:
		evt = &Deposit{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, From: w.From, Amount: r.amount("amount", w.Amount)}
	case EventTypeWithdraw:
		evt = &Withdraw{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, To: w.To, Amount: r.amount("amount", w.Amount)}
	case EventTypeBorrow:
		evt = &Borrow{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, To: w.To, Amount: r.amount("amount", w.Amount), Term: w.Term}
	case EventTypeRepay:
		evt = &Repay{Header: h, Key: r.key("key", w.Key), From: w.From, Amount: r.amount("amount", w.Amount), LoanID: w.LoanID}
	case EventTypeClaimYield:
		evt = &ClaimYield{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, To: w.To}
	case EventTypeOfferPosted:
		var offerID uuid.UUID
		if w.OfferID != "" {
			offerID = r.id("offer_id", w.OfferID)
		}
		evt = &OfferPosted{
			Header:         h,
			OfferID:        offerID,
			Lender:         r.key("lender", w.Lender),
			Caller:         w.Caller,
			Principal:      r.amount("principal", w.Principal),
			CollateralPool: w.CollateralPool,
			Collateral:     r.amount("collateral", w.Collateral),
			FeeBps:         w.FeeBps,
			Term:           w.Term,
		}
	case EventTypeOfferCancelled:
		evt = &OfferCancelled{Header: h, OfferID: r.id("offer_id", w.OfferID), Lender: r.key("lender", w.Lender), Caller: w.Caller}
	case EventTypeOfferAccepted:
		evt = &OfferAccepted{Header: h, OfferID: r.id("offer_id", w.OfferID), Borrower: r.key("borrower", w.Borrower), Caller: w.Caller, To: w.To}
	case EventTypeAgreementRepaid:
		evt = &AgreementRepaid{Header: h, AgreementID: r.id("agreement_id", w.AgreementID), From: w.From}
	case EventTypeAgreementDefaulted:
		evt = &AgreementDefaulted{Header: h, AgreementID: r.id("agreement_id", w.AgreementID)}
	case EventTypeCollateralLocked:
		evt = &CollateralLocked{
			Header:           h,
			Key:              r.key("key", w.Key),
			Caller:           w.Caller,
			Amount:           r.amount("amount", w.Amount),
			Requirement:      r.amount("requirement", w.Requirement),
			RequirementAsset: w.RequirementAsset,
		}
	case EventTypeCollateralReleased:
		evt = &CollateralReleased{Header: h, Key: r.key("key", w.Key), Amount: r.amount("amount", w.Amount)}
	case EventTypeLossSettled:
		evt = &LossSettled{Header: h, Key: r.key("key", w.Key), To: w.To, Loss: r.amount("loss", w.Loss), Fee: r.amount("fee", w.Fee)}
	case EventTypeIndexMinted:
		evt = &IndexMinted{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, Amount: r.amount("amount", w.Amount)}
	case EventTypeIndexBurned:
		evt = &IndexBurned{Header: h, Key: r.key("key", w.Key), Caller: w.Caller, Amount: r.amount("amount", w.Amount)}
	case EventTypeLiquidate:
		evt = &Liquidate{Header: h, Key: r.key("key", w.Key)}
	case EventTypeFeeCollected:
		evt = &FeeCollected{Header: h, From: w.From, Amount: r.amount("amount", w.Amount), Source: fees.Source(w.Source)}
	default:
		return nil, fmt.Errorf("unknown event type: %s", t)
	}
	if r.err != nil {
		return nil, r.err
	}
	return evt, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func hexKey(k position.Key) string {
	if k.IsZero() {
		return ""
	}
	return k.String()
}

// ToWire is the inverse of Wire.Event.
func ToWire(evt Event) (*Wire, error) {
	w := &Wire{
		ID:          evt.IdempotencyKey(),
		Pool:        evt.PoolID(),
		Sequence:    evt.SourceSequence(),
		TimestampUs: evt.Timestamp(),
	}
	switch e := evt.(type) {
	case *PoolCreated:
		cs := e.Config.Snapshot()
		w.Config = &cs
	case *PoolPaused:
		w.Paused = e.Paused
	case *PoolConfigUpdated:
		cs := e.Config.Snapshot()
		w.Config = &cs
	case *Deposit:
		w.Key, w.Caller, w.From, w.Amount = hexKey(e.Key), e.Caller, e.From, dec(e.Amount)
	case *Withdraw:
		w.Key, w.Caller, w.To, w.Amount = hexKey(e.Key), e.Caller, e.To, dec(e.Amount)
	case *Borrow:
		w.Key, w.Caller, w.To, w.Amount, w.Term = hexKey(e.Key), e.Caller, e.To, dec(e.Amount), e.Term
	case *Repay:
		w.Key, w.From, w.Amount, w.LoanID = hexKey(e.Key), e.From, dec(e.Amount), e.LoanID
	case *ClaimYield:
		w.Key, w.Caller, w.To = hexKey(e.Key), e.Caller, e.To
	case *OfferPosted:
		if e.OfferID != uuid.Nil {
			w.OfferID = e.OfferID.String()
		}
		w.Lender, w.Caller = hexKey(e.Lender), e.Caller
		w.Principal, w.Collateral = dec(e.Principal), dec(e.Collateral)
		w.CollateralPool, w.FeeBps, w.Term = e.CollateralPool, e.FeeBps, e.Term
	case *OfferCancelled:
		w.OfferID, w.Lender, w.Caller = e.OfferID.String(), hexKey(e.Lender), e.Caller
	case *OfferAccepted:
		w.OfferID, w.Borrower, w.Caller, w.To = e.OfferID.String(), hexKey(e.Borrower), e.Caller, e.To
	case *AgreementRepaid:
		w.AgreementID, w.From = e.AgreementID.String(), e.From
	case *AgreementDefaulted:
		w.AgreementID = e.AgreementID.String()
	case *CollateralLocked:
		w.Key, w.Caller, w.Amount = hexKey(e.Key), e.Caller, dec(e.Amount)
		w.Requirement, w.RequirementAsset = dec(e.Requirement), e.RequirementAsset
	case *CollateralReleased:
		w.Key, w.Amount = hexKey(e.Key), dec(e.Amount)
	case *LossSettled:
		w.Key, w.To, w.Loss, w.Fee = hexKey(e.Key), e.To, dec(e.Loss), dec(e.Fee)
	case *IndexMinted:
		w.Key, w.Caller, w.Amount = hexKey(e.Key), e.Caller, dec(e.Amount)
	case *IndexBurned:
		w.Key, w.Caller, w.Amount = hexKey(e.Key), e.Caller, dec(e.Amount)
	case *Liquidate:
		w.Key = hexKey(e.Key)
	case *FeeCollected:
		w.From, w.Amount, w.Source = e.From, dec(e.Amount), string(e.Source)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
	return w, nil
}
