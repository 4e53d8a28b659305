package allocator

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Hosts returns a /etc/hosts-style snapshot of every currently bound
// name-to-address pair, one "<ip>   <name>" line per binding, sorted by
// name for deterministic output.
func (a *Allocator) Hosts() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.nameToEntry))
	for name := range a.nameToEntry {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s   %s\n", a.nameToEntry[name].ip, name)
	}
	return b.String()
}

// WriteHostsFile writes prelude (raw lines from the [dns] section, verbatim)
// followed by the live name/address bindings to path, truncating any
// existing file. This implements the [dns] section's documented behaviour
// of persisting the allocator's bindings alongside an operator-supplied
// hosts-file prelude.
func (a *Allocator) WriteHostsFile(path string, prelude []string) error {
	var b strings.Builder
	for _, line := range prelude {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(a.Hosts())

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("allocator: write hosts file %s: %w", path, err)
	}
	return nil
}
