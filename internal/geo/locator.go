package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"request-firewall/internal/domain"
	"request-firewall/internal/netutil"
)

// GeoIPLocator resolve localização e ASN usando bases MaxMind (mmdb).
// Qualquer uma das bases pode estar ausente.
type GeoIPLocator struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewGeoIPLocator abre as bases informadas. Caminho vazio desabilita a base.
func NewGeoIPLocator(cityPath, asnPath string) (*GeoIPLocator, error) {
	locator := &GeoIPLocator{}

	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP city database at %s: %w", cityPath, err)
		}
		locator.city = db
	}

	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			locator.Close()
			return nil, fmt.Errorf("failed to open GeoIP ASN database at %s: %w", asnPath, err)
		}
		locator.asn = db
	}

	return locator, nil
}

// Lookup devolve a melhor localização disponível. Entrada malformada gera erro, nunca pânico.
func (l *GeoIPLocator) Lookup(ip string) (*domain.GeoLocation, error) {
	addr, ok := netutil.ParseAddr(ip)
	if !ok {
		return nil, fmt.Errorf("invalid IP address: %q", ip)
	}
	parsedIP := net.IP(addr.AsSlice())

	location := &domain.GeoLocation{}
	found := false

	if l.city != nil {
		record, err := l.city.City(parsedIP)
		if err != nil {
			return nil, fmt.Errorf("GeoIP city lookup failed: %w", err)
		}
		if record.Country.IsoCode != "" {
			location.Country = strings.ToUpper(record.Country.IsoCode)
			found = true
		}
		if len(record.Subdivisions) > 0 {
			location.Region = record.Subdivisions[0].Names["en"]
		}
		if cityName, ok := record.City.Names["en"]; ok {
			location.City = cityName
		}
	}

	if l.asn != nil {
		record, err := l.asn.ASN(parsedIP)
		if err != nil {
			return nil, fmt.Errorf("GeoIP ASN lookup failed: %w", err)
		}
		if record.AutonomousSystemNumber != 0 {
			location.ASN = record.AutonomousSystemNumber
			location.ASNOrg = record.AutonomousSystemOrganization
			found = true
		}
	}

	if !found {
		return nil, nil
	}
	return location, nil
}

// Close fecha as bases abertas
func (l *GeoIPLocator) Close() error {
	var firstErr error
	for _, db := range []*geoip2.Reader{l.city, l.asn} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StaticLocator resolve a partir de uma tabela fixa, indexada pelo IP normalizado
type StaticLocator struct {
	entries map[string]domain.GeoLocation
}

// NewStaticLocator cria um locator com as entradas fornecidas
func NewStaticLocator(entries map[string]domain.GeoLocation) *StaticLocator {
	normalized := make(map[string]domain.GeoLocation, len(entries))
	for ip, location := range entries {
		normalized[netutil.NormalizeClientID(ip)] = location
	}
	return &StaticLocator{entries: normalized}
}

func (s *StaticLocator) Lookup(ip string) (*domain.GeoLocation, error) {
	location, ok := s.entries[netutil.NormalizeClientID(ip)]
	if !ok {
		return nil, nil
	}
	return &location, nil
}

// NoopLocator nunca resolve nada; usado quando não há base configurada
type NoopLocator struct{}

func (NoopLocator) Lookup(string) (*domain.GeoLocation, error) { return nil, nil }
