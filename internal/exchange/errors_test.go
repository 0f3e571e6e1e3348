package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/adshao/go-binance/v2/common"
)

func TestNormalizeError_WrapsBinanceError(t *testing.T) {
	raw := &common.APIError{Code: CodeInsufficientBalance, Message: "Account has insufficient balance"}
	err := normalizeError(fmt.Errorf("place order: %w", raw))

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != CodeInsufficientBalance {
		t.Errorf("code = %d", apiErr.Code)
	}
	if !IsInsufficientBalance(err) {
		t.Error("IsInsufficientBalance must match")
	}
}

func TestIsTransient_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"clock skew", &APIError{Code: CodeClockSkew}, true},
		{"rate limited", &APIError{Code: CodeTooManyRequests}, true},
		{"too many orders", &APIError{Code: CodeTooManyOrders}, true},
		{"insufficient balance", &APIError{Code: CodeInsufficientBalance}, false},
		{"invalid order", &APIError{Code: CodeInvalidOrder}, false},
		{"invalid symbol", &APIError{Code: CodeInvalidSymbol}, false},
		{"bad credentials", &APIError{Code: CodeBadCredentials}, false},
		{"unknown api code", &APIError{Code: -9999}, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsClockSkew(t *testing.T) {
	if !IsClockSkew(&APIError{Code: CodeClockSkew}) {
		t.Error("expected clock skew match")
	}
	if IsClockSkew(&APIError{Code: CodeTooManyRequests}) {
		t.Error("unexpected clock skew match")
	}
}

func TestParseUserFrame(t *testing.T) {
	report := []byte(`{"e":"executionReport","s":"BTCUSDT","c":"GRID_V2_abc","S":"BUY","i":42,"X":"FILLED","p":"120.00","L":"119.99","l":"0.05","z":"0.05","n":"0.001","N":"BNB"}`)
	ev, ok := parseUserFrame(report)
	if !ok || ev.Type != UserEventOrder || ev.Order == nil {
		t.Fatalf("failed to parse executionReport: %+v", ev)
	}
	if ev.Order.OrderID != 42 || ev.Order.Status != "FILLED" || ev.Order.Side != SideBuy {
		t.Errorf("order fields: %+v", ev.Order)
	}
	if !ev.Order.LastFilledPrice.Equal(d("119.99")) {
		t.Errorf("last fill price = %s", ev.Order.LastFilledPrice)
	}

	position := []byte(`{"e":"outboundAccountPosition","B":[{"a":"USDT","f":"1000.5","l":"10"},{"a":"BTC","f":"0.2","l":"0"}]}`)
	ev, ok = parseUserFrame(position)
	if !ok || ev.Type != UserEventBalance || len(ev.Balances) != 2 {
		t.Fatalf("failed to parse outboundAccountPosition: %+v", ev)
	}
	if ev.Balances[0].Asset != "USDT" || !ev.Balances[0].Free.Equal(d("1000.5")) {
		t.Errorf("balance fields: %+v", ev.Balances[0])
	}

	if _, ok := parseUserFrame([]byte(`{"e":"listenKeyExpired"}`)); ok {
		t.Error("unhandled event types must be dropped")
	}
}
