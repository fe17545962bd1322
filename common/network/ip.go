package network

import (
	"context"
	"net"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/fluxgate/fluxgate/common/logger"
)

func splitEntries(allowlist string) []string {
	res := strings.FieldsFunc(allowlist, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	for i := range res {
		res[i] = strings.TrimSpace(res[i])
	}
	return res
}

func isValidEntry(entry string) error {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		if err != nil {
			return errors.Wrapf(err, "failed to parse subnet: %s", entry)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return errors.Errorf("invalid ip address: %s", entry)
	}
	return nil
}

// matchEntry accepts either a CIDR subnet or a literal address.
func matchEntry(ip string, entry string) bool {
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Logger.Error("failed to parse subnet", zap.String("subnet", entry), zap.Error(err))
			return false
		}
		return ipNet.Contains(net.ParseIP(ip))
	}
	parsed := net.ParseIP(entry)
	return parsed != nil && parsed.Equal(net.ParseIP(ip))
}

// IsValidAllowlist validates a comma or newline separated list of CIDRs and
// literal addresses.
func IsValidAllowlist(allowlist string) error {
	for _, entry := range splitEntries(allowlist) {
		if err := isValidEntry(entry); err != nil {
			return errors.Wrapf(err, "invalid entry in allowlist: %s", entry)
		}
	}
	return nil
}

// IsIpAllowed reports whether ip matches any entry of the allowlist. An
// empty allowlist allows any address.
func IsIpAllowed(_ context.Context, ip string, allowlist string) bool {
	entries := splitEntries(allowlist)
	if len(entries) == 0 {
		return true
	}
	for _, entry := range entries {
		if matchEntry(ip, entry) {
			return true
		}
	}
	return false
}
