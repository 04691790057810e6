package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/tordrt/llmquery/internal/schema"
)

// Descriptor is the connection configuration of one data source. It is built
// once at startup and treated as read-only afterwards.
type Descriptor struct {
	Family   schema.Family
	Host     string
	Port     int
	User     string
	Password string
	// Database is the database, catalog, index pattern or file path
	Database string
	Options  map[string]string
}

// WithOptions returns a copy of d whose option map is not shared with d
func (d Descriptor) WithOptions(opts map[string]string) Descriptor {
	merged := make(map[string]string, len(d.Options)+len(opts))
	for k, v := range d.Options {
		merged[k] = v
	}
	for k, v := range opts {
		merged[k] = v
	}
	d.Options = merged
	return d
}

// Option returns a connection option or def when unset
func (d Descriptor) Option(key, def string) string {
	if v, ok := d.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Address returns host:port, filling in defaults
func (d Descriptor) Address(defaultPort int) string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Fingerprint identifies the data source: backend family, host and database.
// It is safe to use as a file name.
func (d Descriptor) Fingerprint() string {
	host := d.Host
	if host == "" {
		host = "local"
	}
	raw := string(d.Family) + "\x00" + host + "\x00" + d.Database
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s_%s_%s_%s",
		sanitize(string(d.Family)), sanitize(host), sanitize(d.Database), hex.EncodeToString(sum[:4]))
}

// String describes the descriptor without credentials
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString(string(d.Family))
	b.WriteString("://")
	if d.User != "" {
		b.WriteString(d.User)
		if d.Password != "" {
			b.WriteString(":***")
		}
		b.WriteString("@")
	}
	b.WriteString(d.Host)
	if d.Port != 0 {
		b.WriteString(":" + strconv.Itoa(d.Port))
	}
	if d.Database != "" {
		b.WriteString("/" + d.Database)
	}
	if len(d.Options) > 0 {
		keys := make([]string, 0, len(d.Options))
		for k := range d.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("?" + strings.Join(keys, "&"))
	}
	return b.String()
}

func sanitize(s string) string {
	if s == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "default"
}
