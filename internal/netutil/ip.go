package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// LoopbackID é o identificador canônico de qualquer cliente loopback
const LoopbackID = "127.0.0.1"

// NormalizeClientID canoniza o IP do cliente antes de ser usado como chave.
// IPv4 mapeado em IPv6 vira IPv4, qualquer loopback vira 127.0.0.1 e
// porta, colchetes e zona são removidos. Entrada que não é IP é devolvida
// apenas sem espaços, para que nunca se perca a chave.
func NormalizeClientID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	addr, ok := ParseAddr(raw)
	if !ok {
		return raw
	}
	if addr.IsLoopback() {
		return LoopbackID
	}
	return addr.String()
}

// ParseAddr interpreta IP com ou sem porta, colchetes e zona
func ParseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// ParsePrefix aceita CIDR ou IP único (tratado como /32 ou /128)
func ParsePrefix(value string) (netip.Prefix, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return netip.Prefix{}, false
	}

	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return netip.Prefix{}, false
		}
		addr := prefix.Addr().Unmap()
		bits := prefix.Bits()
		if prefix.Addr().Is4In6() {
			bits -= 96
			if bits < 0 {
				return netip.Prefix{}, false
			}
		}
		return netip.PrefixFrom(addr, bits).Masked(), true
	}

	addr, ok := ParseAddr(value)
	if !ok {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

// Contains indica se ip pertence ao CIDR (ou é igual ao IP) informado.
// Valores malformados nunca casam.
func Contains(cidrOrIP, ip string) bool {
	prefix, ok := ParsePrefix(cidrOrIP)
	if !ok {
		return false
	}
	addr, ok := ParseAddr(ip)
	if !ok {
		return false
	}
	return prefix.Contains(addr)
}

// ContainsAny verifica ip contra uma lista de CIDRs/IPs
func ContainsAny(ranges []string, ip string) bool {
	addr, ok := ParseAddr(ip)
	if !ok {
		return false
	}
	for _, r := range ranges {
		if prefix, ok := ParsePrefix(r); ok && prefix.Contains(addr) {
			return true
		}
	}
	return false
}
