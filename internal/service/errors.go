package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mallpay-next/internal/payment"
)

// ErrorKind 错误分类，调用方按分类决定回执与是否进入重试队列
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindVerificationFailure
	KindNotFound
	KindAlreadyTerminal
	KindInvalidTransition
	KindTransient
	KindLockConflict
	KindInvalid
)

// String 返回分类名称
func (k ErrorKind) String() string {
	switch k {
	case KindVerificationFailure:
		return "verification_failure"
	case KindNotFound:
		return "not_found"
	case KindAlreadyTerminal:
		return "already_terminal"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindTransient:
		return "transient"
	case KindLockConflict:
		return "lock_conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	ErrVerificationFailed      = errors.New("notification verification failed")
	ErrSourceIPDenied          = errors.New("callback source ip not allowed")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrRefundNotFound          = errors.New("refund not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrRetryItemNotFound       = errors.New("retry item not found")
	ErrReportNotFound          = errors.New("reconciliation report not found")
	ErrAlreadyTerminal         = errors.New("already in terminal status")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrLockConflict            = errors.New("duplicate submission")
	ErrPaymentInvalid          = errors.New("payment request invalid")
	ErrPaymentAmountMismatch   = errors.New("payment amount mismatch")
	ErrPaymentCurrencyMismatch = errors.New("payment currency mismatch")
	ErrPaymentChannelMismatch  = errors.New("payment channel mismatch")
	ErrChannelDisabled         = errors.New("payment channel disabled")
	ErrOrderStatusInvalid      = errors.New("order status invalid")
	ErrRefundInvalid           = errors.New("refund request invalid")
	ErrRefundNotAllowed        = errors.New("payment not refundable")
	ErrRefundAmountExceeded    = errors.New("refund amount exceeds refundable balance")
	ErrInsufficientPoints      = errors.New("insufficient points")
	ErrRetryItemNotTerminal    = errors.New("retry item is not terminal")
	ErrReconcileInvalid        = errors.New("reconciliation request invalid")
	ErrInvalidToken            = errors.New("invalid token")
)

// TransientError 基础设施类失败（网络、存储），可进入重试队列
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// transient 标记为可重试错误，nil 原样返回
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// Classify 将错误归类
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrSourceIPDenied),
		errors.Is(err, payment.ErrSignatureInvalid):
		return KindVerificationFailure
	case errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrRefundNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrRetryItemNotFound),
		errors.Is(err, ErrReportNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyTerminal):
		return KindAlreadyTerminal
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrLockConflict):
		return KindLockConflict
	}

	var te *TransientError
	if errors.As(err, &te) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, payment.ErrRequestFailed) ||
		payment.IsBreakerError(err) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindInvalid
}

// IsRetryable 仅基础设施类失败可重试
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
