// Package postgres resolves PostgreSQL connections from pg_service.conf
// entries or DSNs and keeps the service's own state table.
package postgres

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// ServiceEntry represents a PostgreSQL service configuration
type ServiceEntry struct {
	Name     string
	Host     string
	Port     string
	DBName   string
	User     string
	Password string
	SSLMode  string
	Options  map[string]string
}

// ParsePGServiceFile parses the first pg_service.conf found in the standard locations
func ParsePGServiceFile() ([]ServiceEntry, error) {
	for _, path := range servicePaths() {
		if _, err := os.Stat(path); err == nil {
			return parseServiceFileAt(path)
		}
	}
	return nil, fmt.Errorf("no pg_service.conf found in standard locations")
}

// servicePaths returns possible pg_service.conf locations, most specific first
func servicePaths() []string {
	var paths []string
	if envPath := os.Getenv("PGSERVICEFILE"); envPath != "" {
		paths = append(paths, envPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".pg_service.conf"))
	}
	return append(paths, "/etc/pg_service.conf", "/etc/postgresql-common/pg_service.conf")
}

func parseServiceFileAt(path string) ([]ServiceEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseServices(file)
}

// ParseServices reads pg_service.conf formatted sections from r
func ParseServices(r io.Reader) ([]ServiceEntry, error) {
	var (
		services []ServiceEntry
		current  *ServiceEntry
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if current != nil {
				services = append(services, *current)
			}
			current = &ServiceEntry{
				Name:    strings.TrimSpace(line[1 : len(line)-1]),
				Options: make(map[string]string),
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if current == nil || !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "host":
			current.Host = value
		case "port":
			current.Port = value
		case "dbname":
			current.DBName = value
		case "user":
			current.User = value
		case "password":
			current.Password = value
		case "sslmode":
			current.SSLMode = value
		default:
			current.Options[key] = value
		}
	}
	if current != nil {
		services = append(services, *current)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

// ConnectionString returns a lib/pq key/value connection string. Extra
// options are emitted in key order.
func (s *ServiceEntry) ConnectionString() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quoteValue(v))
		}
	}

	add("host", s.Host)
	add("port", s.Port)
	add("dbname", s.DBName)
	add("user", s.User)
	add("password", s.Password)
	if s.SSLMode != "" {
		add("sslmode", s.SSLMode)
	} else {
		add("sslmode", "prefer")
	}

	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, s.Options[k])
	}

	return strings.Join(parts, " ")
}

// quoteValue quotes values containing spaces or quotes per libpq rules
func quoteValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// GetServiceByName finds a service by name from the list
func GetServiceByName(services []ServiceEntry, name string) (*ServiceEntry, error) {
	for i := range services {
		if services[i].Name == name {
			return &services[i], nil
		}
	}
	return nil, fmt.Errorf("service '%s' not found", name)
}

// ResolveDSN returns dsn when set, else the connection string of the named
// pg_service.conf entry
func ResolveDSN(service, dsn string) (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	if service == "" {
		return "", fmt.Errorf("either a pg service name or a DSN is required")
	}

	services, err := ParsePGServiceFile()
	if err != nil {
		return "", err
	}
	entry, err := GetServiceByName(services, service)
	if err != nil {
		return "", err
	}
	return entry.ConnectionString(), nil
}

// Open opens a connection pool and verifies it with a ping
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}
