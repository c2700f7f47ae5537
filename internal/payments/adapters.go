package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CallbackEvent is the provider-agnostic shape every webhook payload is
// normalized into before touching any state. Success is decided by the
// adapter from its provider's documented result codes; any code the adapter
// does not recognize maps to failure, never to success.
type CallbackEvent struct {
	CallbackID    string
	Reference     string
	TransactionID string
	Amount        string
	ResultCode    string
	Success       bool
}

// Parse errors surfaced to the HTTP layer.
var (
	ErrMissingReference  = errors.New("callback payload missing merchant reference")
	ErrMissingCallbackID = errors.New("callback payload missing callback id")
)

// Adapter parses one provider's payload format into a CallbackEvent.
// Adapters are pure: no I/O, no state.
type Adapter interface {
	Provider() string
	Parse(payload []byte) (*CallbackEvent, error)
}

// MpesaAdapter parses Safaricom M-Pesa STK push result callbacks.
type MpesaAdapter struct{}

func (MpesaAdapter) Provider() string { return "mpesa" }

type mpesaCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Parse extracts the event from the STK callback envelope. ResultCode 0 is
// the only success code M-Pesa documents; everything else, including codes
// we have never seen, is failure.
func (MpesaAdapter) Parse(payload []byte) (*CallbackEvent, error) {
	var cb mpesaCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("parse mpesa callback: %w", err)
	}

	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, ErrMissingCallbackID
	}

	ev := &CallbackEvent{
		CallbackID: stk.CheckoutRequestID,
		ResultCode: strconv.Itoa(stk.ResultCode),
		Success:    stk.ResultCode == 0,
	}

	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "AccountReference":
			_ = json.Unmarshal(item.Value, &ev.Reference)
		case "MpesaReceiptNumber":
			_ = json.Unmarshal(item.Value, &ev.TransactionID)
		case "Amount":
			var amount float64
			if err := json.Unmarshal(item.Value, &amount); err == nil {
				ev.Amount = strconv.FormatFloat(amount, 'f', 2, 64)
			}
		}
	}

	if ev.Reference == "" {
		return nil, ErrMissingReference
	}

	return ev, nil
}

// GenericAdapter parses the flat JSON shape used by bank gateways and the
// finance office's manual confirmation tool.
type GenericAdapter struct{}

func (GenericAdapter) Provider() string { return "generic" }

type genericCallback struct {
	CallbackID    string `json:"callback_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

func (GenericAdapter) Parse(payload []byte) (*CallbackEvent, error) {
	var cb genericCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("parse generic callback: %w", err)
	}

	if cb.CallbackID == "" {
		return nil, ErrMissingCallbackID
	}
	if cb.Reference == "" {
		return nil, ErrMissingReference
	}

	return &CallbackEvent{
		CallbackID:    cb.CallbackID,
		Reference:     cb.Reference,
		TransactionID: cb.TransactionID,
		Amount:        cb.Amount,
		ResultCode:    cb.Status,
		Success:       cb.Status == "success",
	}, nil
}
