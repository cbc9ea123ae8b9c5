package payload

import (
	"database/sql"
	"slices"
	"sort"
	"strings"
	"sync"

	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3

	"github.com/teranos/chronos/errors"
)

// DriverConfig names a database/sql connection that query jobs can use.
type DriverConfig struct {
	Name   string `mapstructure:"name" json:"name"`
	Driver string `mapstructure:"driver" json:"driver"` // registered database/sql driver: "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn" json:"-"`
}

// Drivers opens configured connection pools on first use.
type Drivers struct {
	mu      sync.Mutex
	configs map[string]DriverConfig
	pools   map[string]*sql.DB
}

// NewDrivers indexes configs by name. Duplicate names are rejected.
func NewDrivers(configs []DriverConfig) (*Drivers, error) {
	d := &Drivers{
		configs: make(map[string]DriverConfig, len(configs)),
		pools:   make(map[string]*sql.DB),
	}
	for _, c := range configs {
		if c.Name == "" || c.Driver == "" {
			return nil, errors.NewInvalidRequestError("driver entries need a name and a driver")
		}
		if !slices.Contains(sql.Drivers(), c.Driver) {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("driver %q for %q is not available", c.Driver, c.Name),
				"available drivers: "+strings.Join(sql.Drivers(), ", "))
		}
		if _, dup := d.configs[c.Name]; dup {
			return nil, errors.NewInvalidRequestError("driver %q configured twice", c.Name)
		}
		d.configs[c.Name] = c
	}
	return d, nil
}

// Names returns the configured driver names, sorted.
func (d *Drivers) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.configs))
	for name := range d.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is configured.
func (d *Drivers) Has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.configs[name]
	return ok
}

// Open returns the pool for name, opening it on first use.
func (d *Drivers) Open(name string) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pool, ok := d.pools[name]; ok {
		return pool, nil
	}
	c, ok := d.configs[name]
	if !ok {
		return nil, errors.NewNotFoundError("driver %q", name)
	}
	pool, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open driver %q", name)
	}
	d.pools[name] = pool
	return pool, nil
}

// Close closes every opened pool.
func (d *Drivers) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for name, pool := range d.pools {
		if err := pool.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to close driver %q", name)
		}
		delete(d.pools, name)
	}
	return first
}
