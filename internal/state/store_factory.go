package state

import (
	"fmt"
	"net/url"
	"strings"
)

const DefaultDSN = "file://.ordersync"

// BuildStoreFromDSN opens the store named by dsn:
//
//	file://<dir>            one JSON document per key (default)
//	memory://               process-local, for tests and dry runs
//	bolt://<path>           single bbolt file
//	postgres://...          one row per key
//	redis://host:port/db    one string per key
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss":
		return NewRedisStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
