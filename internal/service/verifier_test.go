package service

import (
	"context"
	"errors"
	"testing"

	"github.com/mallpay-next/internal/constants"
	"github.com/mallpay-next/internal/payment"
	"github.com/mallpay-next/internal/payment/paymenttest"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestIPAllowList(t *testing.T) {
	list, err := NewIPAllowList([]string{"101.226.103.0/25", " 140.207.54.76 ", ""})
	require.NoError(t, err)
	cases := map[string]bool{
		"101.226.103.10":     true,
		"101.226.103.200":    false,
		"140.207.54.76":      true,
		"140.207.54.76:4431": true,
		"10.0.0.1":           false,
		"not-an-ip":          false,
	}
	for ip, want := range cases {
		if got := list.Allows(ip); got != want {
			t.Fatalf("Allows(%q) = %v, want %v", ip, got, want)
		}
	}

	empty, err := NewIPAllowList(nil)
	require.NoError(t, err)
	require.True(t, empty.Empty())
	require.True(t, empty.Allows("anything"))

	_, err = NewIPAllowList([]string{"300.1.1.1"})
	require.Error(t, err)
	_, err = NewIPAllowList([]string{"10.0.0.0/99"})
	require.Error(t, err)
}

func TestChannelVerifierRejectsSourceOutsideAllowList(t *testing.T) {
	wechat := paymenttest.NewMockProvider(constants.PaymentChannelWechat)
	verifier, err := NewChannelVerifier(payment.NewRegistry(wechat), map[string][]string{"wechat": {"101.226.103.0/25"}})
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "WECHAT", []byte("{}"), nil, "8.8.8.8")
	if !errors.Is(err, ErrSourceIPDenied) || Classify(err) != KindVerificationFailure {
		t.Fatalf("expected source denied verification failure, got %v", err)
	}
	wechat.AssertNotCalled(t, "VerifyNotify", mock.Anything, mock.Anything, mock.Anything)
}

func TestChannelVerifierRequiresOrderID(t *testing.T) {
	wechat := paymenttest.NewMockProvider(constants.PaymentChannelWechat)
	wechat.On("VerifyNotify", mock.Anything, []byte("empty"), mock.Anything).Return(&payment.Notification{ChannelStatus: "SUCCESS"}, nil)
	wechat.On("VerifyNotify", mock.Anything, []byte("ok"), mock.Anything).Return(&payment.Notification{ChannelOrderID: "MP1", ChannelStatus: "SUCCESS"}, nil)
	verifier, err := NewChannelVerifier(payment.NewRegistry(wechat), nil)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "wechat", []byte("empty"), nil, "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	n, err := verifier.Verify(context.Background(), "wechat", []byte("ok"), nil, "")
	require.NoError(t, err)
	require.Equal(t, constants.PaymentChannelWechat, n.Channel)
	require.Equal(t, "MP1", n.ChannelOrderID)
}

func TestChannelVerifierInvalidAllowList(t *testing.T) {
	_, err := NewChannelVerifier(payment.NewRegistry(), map[string][]string{"alipay": {"bogus"}})
	require.Error(t, err)
}
