package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Result codes that map to a transaction outcome.
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
	ResultTimeout         = 1037
)

var ErrMalformedCallback = errors.New("malformed stk callback")

// STKCallback is the typed form of Body.stkCallback.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// Metadata, present on success only.
	Amount          decimal.Decimal
	ReceiptNumber   string
	TransactionDate *time.Time
	PhoneNumber     string
}

func (c STKCallback) Succeeded() bool { return c.ResultCode == ResultSuccess }

type rawCallback struct {
	Body struct {
		STKCallback *rawSTKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type rawSTKCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        json.Number  `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  *rawMetadata `json:"CallbackMetadata"`
}

type rawMetadata struct {
	Item []rawMetaItem `json:"Item"`
}

type rawMetaItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// ParseCallback decodes the STK callback payload Daraja posts to the
// callback URL.
func ParseCallback(body []byte) (*STKCallback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw rawCallback
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	sc := raw.Body.STKCallback
	if sc == nil || sc.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing Body.stkCallback.CheckoutRequestID", ErrMalformedCallback)
	}
	code, err := strconv.Atoi(strings.Trim(sc.ResultCode.String(), `"`))
	if err != nil {
		return nil, fmt.Errorf("%w: result code %q", ErrMalformedCallback, sc.ResultCode)
	}

	out := &STKCallback{
		MerchantRequestID: sc.MerchantRequestID,
		CheckoutRequestID: sc.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        sc.ResultDesc,
	}
	if sc.CallbackMetadata == nil {
		return out, nil
	}
	for _, it := range sc.CallbackMetadata.Item {
		v := metaString(it.Value)
		switch it.Name {
		case "Amount":
			if d, err := decimal.NewFromString(v); err == nil {
				out.Amount = d
			}
		case "MpesaReceiptNumber":
			out.ReceiptNumber = v
		case "TransactionDate":
			if t, err := time.ParseInLocation(timestampLayout, v, nairobi); err == nil {
				out.TransactionDate = &t
			}
		case "PhoneNumber":
			out.PhoneNumber = v
		}
	}
	return out, nil
}

func metaString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case json.Number:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// CallbackAck is the body Daraja expects in reply to every callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var Accepted = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
