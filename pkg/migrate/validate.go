package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	sqlFileRe     = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
	createTableRe = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?"?([a-z_][a-z0-9_]*)"?`)
)

// requiredTables lists what each service schema must create: its aggregate
// plus the outbox and inbox the messaging relies on.
var requiredTables = map[string][]string{
	ServiceOrders:   {"orders", "outbox_messages", "inbox_messages"},
	ServicePayments: {"accounts", "outbox_messages", "inbox_messages"},
}

// Validate checks the migrations embedded in the binary for service.
func Validate(service string) error {
	dir, err := Dir(service)
	if err != nil {
		return err
	}
	return validateFS(embedded, dir, service)
}

// ValidateSource checks the on-disk migrations of service under root, before
// they are embedded.
func ValidateSource(root, service string) error {
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("dir is required")
	}
	if _, err := Dir(service); err != nil {
		return err
	}
	return validateFS(os.DirFS(root), service, service)
}

func validateFS(fsys fs.FS, dir, service string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read %s migrations: %w", service, err)
	}

	versions := map[string]string{}
	created := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("%s: invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", service, name)
		}
		if prev, ok := versions[m[1]]; ok {
			return fmt.Errorf("%s: duplicate migration version %s in %q and %q", service, m[1], prev, name)
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("%s: read %q: %w", service, name, err)
		}
		text := string(body)
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(text, marker) {
				return fmt.Errorf("%s: migration %q missing %q", service, name, marker)
			}
		}
		for _, match := range createTableRe.FindAllStringSubmatch(text, -1) {
			created[strings.ToLower(match[1])] = true
		}
	}

	var missing []string
	for _, table := range requiredTables[service] {
		if !created[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s: migrations never create %s", service, strings.Join(missing, ", "))
	}
	return nil
}
