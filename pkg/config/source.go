package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// maxRemoteDocument bounds the size of a configuration fetched by URL.
const maxRemoteDocument = 4 << 20

// Source selects where the base configuration document comes from. Exactly
// one of File, URL and Inline must be set.
type Source struct {
	File   string
	URL    string
	Inline string
}

// Kind returns a short label for the selected source, for logging.
func (s Source) Kind() string {
	switch {
	case s.File != "":
		return "file"
	case s.URL != "":
		return "url"
	case s.Inline != "":
		return "inline"
	}
	return "none"
}

func (s Source) validate() error {
	n := 0
	for _, v := range []string{s.File, s.URL, s.Inline} {
		if v != "" {
			n++
		}
	}
	switch n {
	case 0:
		return fmt.Errorf("no configuration source: set one of file, url or inline")
	case 1:
		return nil
	default:
		return fmt.Errorf("exactly one configuration source may be set, got %d", n)
	}
}

// read fetches and decodes the selected source document.
func (s Source) read(ctx context.Context, client *http.Client) (map[string]any, error) {
	switch {
	case s.File != "":
		return readFileDocument(s.File)
	case s.URL != "":
		return readURLDocument(ctx, client, s.URL)
	default:
		return decodeDocument([]byte(s.Inline), sniffFormat([]byte(s.Inline)))
	}
}

func readFileDocument(p string) (map[string]any, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	m, err := decodeDocument(data, formatFromPath(p))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return m, nil
}

func readURLDocument(ctx context.Context, client *http.Client, raw string) (map[string]any, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("config url %q must be an absolute http(s) URL", raw)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching config: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteDocument))
	if err != nil {
		return nil, fmt.Errorf("reading config body: %w", err)
	}

	f := formatFromContentType(resp.Header.Get("Content-Type"))
	if f == "" {
		f = formatFromPath(path.Base(u.Path))
	}
	return decodeDocument(data, f)
}

func formatFromPath(p string) Format {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json", ".jsonc":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

func formatFromContentType(ct string) Format {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	switch {
	case strings.HasSuffix(mt, "json"):
		return FormatJSON
	case strings.HasSuffix(mt, "toml"):
		return FormatTOML
	case strings.HasSuffix(mt, "yaml"):
		return FormatYAML
	}
	return ""
}

// sniffFormat guesses the format of an inline document. Inline documents
// are JSON when they start with an object, YAML otherwise.
func sniffFormat(data []byte) Format {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// decodeDocument parses a configuration document into a generic tree.
// Empty documents decode to an empty map.
func decodeDocument(data []byte, f Format) (map[string]any, error) {
	var doc map[string]any
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(jsonc.ToJSON(data), &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s document: %w", f, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}
