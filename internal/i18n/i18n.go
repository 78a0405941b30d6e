// Package i18n loads the bridge reply catalog. The catalog is a keys file
// listing message identifiers plus one text file per language with the
// translated messages in the same order. Operators add a language by dropping
// a new file in the translation directory; no code change is needed.
package i18n

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeysFileName is the fixed name of the message-key list inside the
// translation directory. Every other *.txt file is a language catalog named
// after its language code (en.txt, de.txt, ...).
const KeysFileName = "bridge-messages-keys.txt"

// Catalog holds the loaded translations, keyed by language then message key.
type Catalog struct {
	defaultLang string
	keys        []string
	messages    map[string]map[string]string
}

// Load reads the keys file and every language file in dir. Each language file
// must carry exactly as many message lines as there are keys; a mismatch is a
// deployment error and fails the load.
func Load(dir, defaultLang string) (*Catalog, error) {
	keys, err := readLines(filepath.Join(dir, KeysFileName), false)
	if err != nil {
		return nil, fmt.Errorf("load message keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("load message keys: empty keys file in %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read translation dir: %w", err)
	}

	c := &Catalog{
		defaultLang: defaultLang,
		keys:        keys,
		messages:    make(map[string]map[string]string),
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == KeysFileName || !strings.HasSuffix(name, ".txt") {
			continue
		}
		lang := strings.TrimSuffix(name, ".txt")
		lines, err := readLines(filepath.Join(dir, name), true)
		if err != nil {
			return nil, fmt.Errorf("load language %s: %w", lang, err)
		}
		if len(lines) != len(keys) {
			return nil, fmt.Errorf("load language %s: %d messages for %d keys", lang, len(lines), len(keys))
		}
		m := make(map[string]string, len(keys))
		for i, k := range keys {
			m[k] = lines[i]
		}
		c.messages[lang] = m
	}

	if _, ok := c.messages[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no translation file in %s", defaultLang, dir)
	}
	return c, nil
}

// Languages returns the loaded language codes, sorted.
func (c *Catalog) Languages() []string {
	langs := make([]string, 0, len(c.messages))
	for l := range c.messages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Has reports whether the language has a catalog.
func (c *Catalog) Has(lang string) bool {
	_, ok := c.messages[lang]
	return ok
}

// Msg returns the message for key in lang, falling back to the default
// language when lang has no catalog. Unknown keys return the key itself so a
// missing translation is visible rather than silent.
func (c *Catalog) Msg(lang, key string) string {
	m, ok := c.messages[lang]
	if !ok {
		m = c.messages[c.defaultLang]
	}
	if s, ok := m[key]; ok {
		return s
	}
	return key + "\n\n"
}

// Format is Msg followed by Sprintf interpolation.
func (c *Catalog) Format(lang, key string, args ...any) string {
	return fmt.Sprintf(c.Msg(lang, key), args...)
}

// readLines reads one entry per line, skipping blank lines and "#" comments.
// Message files additionally expand the "\n" escape and get the blank-line
// suffix every bridge reply paragraph carries.
func readLines(path string, message bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if message {
			line = strings.ReplaceAll(line, `\n`, "\n") + "\n\n"
		} else {
			line = strings.TrimSpace(line)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
