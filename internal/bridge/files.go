package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// State files are read on every access so both listener processes observe an
// admin change immediately. Writes go through a temp file plus rename so a
// concurrent reader never sees a half-written file.

// ReadToken returns the trimmed content of a single-token state file.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read state file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken atomically replaces the file content with the token.
func WriteToken(path, token string) error {
	return writeAtomic(path, token+"\n")
}

// EnsureToken creates the file with the token when it does not exist yet.
func EnsureToken(path, token string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return WriteToken(path, token)
}

// EnsureFile creates the file with the given content when it does not exist.
func EnsureFile(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeAtomic(path, content)
}

// ReadDomains returns the domain list from a red/green list file, lowercased,
// skipping blanks and "#" comments. A missing file is an empty list.
func ReadDomains(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read domain list: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, strings.ToLower(line))
	}
	return out, nil
}

// HasDomain reports whether the list file contains the domain.
func HasDomain(path, domain string) (bool, error) {
	domains, err := ReadDomains(path)
	if err != nil {
		return false, err
	}
	domain = strings.ToLower(domain)
	for _, d := range domains {
		if d == domain {
			return true, nil
		}
	}
	return false, nil
}

// AddDomain appends the domain to the list file. It reports whether the
// domain was already present; comment lines are preserved.
func AddDomain(path, domain string) (bool, error) {
	present, err := HasDomain(path, domain)
	if err != nil || present {
		return present, err
	}
	existing := ""
	if data, err := os.ReadFile(path); err == nil {
		existing = strings.TrimRight(string(data), "\n")
		if existing != "" {
			existing += "\n"
		}
	}
	return false, writeAtomic(path, existing+strings.ToLower(domain)+"\n")
}

// RemoveDomain deletes the domain from the list file. It reports whether the
// domain was present; comment lines are preserved.
func RemoveDomain(path, domain string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read domain list: %w", err)
	}
	domain = strings.ToLower(domain)
	found := false
	var kept []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		t, _, _ := strings.Cut(line, "#")
		if t = strings.TrimSpace(t); t != "" && strings.ToLower(t) == domain {
			found = true
			continue
		}
		kept = append(kept, line)
	}
	if !found {
		return false, nil
	}
	content := strings.Join(kept, "\n")
	if content != "" {
		content += "\n"
	}
	return true, writeAtomic(path, content)
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
