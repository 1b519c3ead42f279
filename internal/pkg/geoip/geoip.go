package geoip

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Location is the geo attributes stored on an event. Empty strings mean the
// value could not be resolved.
type Location struct {
	CountryCode string
	City        string
}

// Resolver maps a client IP to a Location. Implementations must never fail
// the caller; unresolvable addresses yield an empty Location.
type Resolver interface {
	Lookup(ip string) Location
}

// NopResolver resolves nothing. Used when no GeoLite2 database is configured.
type NopResolver struct{}

func (NopResolver) Lookup(string) Location { return Location{} }

// GeoLiteResolver reads a MaxMind GeoLite2 City (or Country) database.
type GeoLiteResolver struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	reader *geoip2.Reader
}

// Open loads the database at path. A missing or unreadable database is not an
// error: GeoIP is optional and the resolver then returns empty locations.
func Open(path string, logger *slog.Logger) *GeoLiteResolver {
	r := &GeoLiteResolver{path: path, logger: logger}
	r.reader = r.open()
	return r
}

func (r *GeoLiteResolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return nil
	}

	if _, err := os.Stat(r.path); err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("GeoLite2 database not found - GeoIP features disabled",
				slog.String("path", r.path),
				slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		} else {
			r.logger.Warn("Error checking GeoLite2 database file",
				slog.String("path", r.path),
				slog.Any("error", err))
		}
		return nil
	}

	reader, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized", slog.String("path", r.path))
	return reader
}

// Available reports whether a database is loaded.
func (r *GeoLiteResolver) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Lookup resolves country code and English city name for ip.
func (r *GeoLiteResolver) Lookup(ip string) Location {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Location{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return Location{}
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		// Country-only databases cannot answer City lookups.
		country, cerr := r.reader.Country(parsed)
		if cerr != nil {
			r.logger.Debug("GeoIP lookup failed", slog.Any("error", err))
			return Location{}
		}
		return Location{CountryCode: strings.ToUpper(country.Country.IsoCode)}
	}

	return Location{
		CountryCode: strings.ToUpper(record.Country.IsoCode),
		City:        record.City.Names["en"],
	}
}

// Reload reopens the database from disk, e.g. after a GeoLite2 update.
func (r *GeoLiteResolver) Reload() {
	reader := r.open()

	r.mu.Lock()
	old := r.reader
	r.reader = reader
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Close releases the underlying database.
func (r *GeoLiteResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
