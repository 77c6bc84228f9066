package service

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/mallpay-next/internal/payment"
)

// VerifiedNotification 验签通过后的标准化通知
type VerifiedNotification struct {
	Channel string
	payment.Notification
}

// IPAllowList 回调来源白名单，支持单个 IP 与 CIDR。
// 空名单不做限制。
type IPAllowList struct {
	ips  []net.IP
	nets []*net.IPNet
}

// NewIPAllowList 解析白名单，非法条目返回错误
func NewIPAllowList(entries []string) (*IPAllowList, error) {
	list := &IPAllowList{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q: %w", entry, err)
			}
			list.nets = append(list.nets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid ip %q", entry)
		}
		list.ips = append(list.ips, ip)
	}
	return list, nil
}

// Empty 是否未配置任何条目
func (l *IPAllowList) Empty() bool {
	return l == nil || (len(l.ips) == 0 && len(l.nets) == 0)
}

// Allows 判断来源地址是否在白名单内
func (l *IPAllowList) Allows(sourceIP string) bool {
	if l.Empty() {
		return true
	}
	ip := parseSourceIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, allowed := range l.ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range l.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func parseSourceIP(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if ip := net.ParseIP(raw); ip != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// ChannelVerifier 校验来源并委托渠道完成验签与报文解析
type ChannelVerifier struct {
	registry   *payment.Registry
	allowLists map[string]*IPAllowList
}

// NewChannelVerifier 创建验签器，allowLists 以渠道编码为键
func NewChannelVerifier(registry *payment.Registry, allowLists map[string][]string) (*ChannelVerifier, error) {
	v := &ChannelVerifier{
		registry:   registry,
		allowLists: make(map[string]*IPAllowList, len(allowLists)),
	}
	for channel, entries := range allowLists {
		list, err := NewIPAllowList(entries)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}
		v.allowLists[normalizeChannel(channel)] = list
	}
	return v, nil
}

// Verify 校验回调报文，失败时返回的错误均归类为 VerificationFailure 或渠道不支持
func (v *ChannelVerifier) Verify(ctx context.Context, channel string, raw []byte, headers map[string]string, sourceIP string) (*VerifiedNotification, error) {
	channel = normalizeChannel(channel)
	if list := v.allowLists[channel]; !list.Allows(sourceIP) {
		return nil, fmt.Errorf("%w: %s", ErrSourceIPDenied, sourceIP)
	}
	provider, err := v.registry.Get(channel)
	if err != nil {
		return nil, err
	}
	notification, err := provider.VerifyNotify(ctx, raw, headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if notification == nil || strings.TrimSpace(notification.ChannelOrderID) == "" {
		return nil, fmt.Errorf("%w: missing channel order id", ErrVerificationFailed)
	}
	return &VerifiedNotification{Channel: channel, Notification: *notification}, nil
}
