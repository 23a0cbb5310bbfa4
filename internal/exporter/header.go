package exporter

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Header keys, in the order they are written
const (
	KeyBackupOf      = "Backup of"
	KeyHomeURL       = "Home URL"
	KeyContentURL    = "Content URL"
	KeyUploadsURL    = "Uploads URL"
	KeyTablePrefix   = "Table prefix"
	KeyFilteredPfx   = "Filtered table prefix"
	KeyMultisite     = "Multisite"
	KeyPluginVersion = "Plugin version"
	KeyCreated       = "Created"
)

var headerKeys = []string{
	KeyBackupOf, KeyHomeURL, KeyContentURL, KeyUploadsURL, KeyTablePrefix,
	KeyFilteredPfx, KeyMultisite, KeyPluginVersion, KeyCreated,
}

// Header is the source-environment metadata at the top of a dump
type Header struct {
	BackupOf            string
	HomeURL             string
	ContentURL          string
	UploadsURL          string
	TablePrefix         string
	FilteredTablePrefix string
	Multisite           bool
	PluginVersion       string
	Created             time.Time
}

func (h Header) values() map[string]string {
	multisite := "0"
	if h.Multisite {
		multisite = "1"
	}
	return map[string]string{
		KeyBackupOf:      h.BackupOf,
		KeyHomeURL:       h.HomeURL,
		KeyContentURL:    h.ContentURL,
		KeyUploadsURL:    h.UploadsURL,
		KeyTablePrefix:   h.TablePrefix,
		KeyFilteredPfx:   h.FilteredTablePrefix,
		KeyMultisite:     multisite,
		KeyPluginVersion: h.PluginVersion,
		KeyCreated:       h.Created.UTC().Format(time.RFC3339),
	}
}

// WriteHeader writes the header block followed by the session preamble
func WriteHeader(w io.Writer, h Header) error {
	var b strings.Builder
	b.WriteString("# site-snapshot database dump\n")
	values := h.values()
	for _, key := range headerKeys {
		fmt.Fprintf(&b, "# %s: %s\n", key, values[key])
	}
	b.WriteString("\n")
	b.WriteString("SET NAMES utf8mb4;\n")
	b.WriteString("SET foreign_key_checks = 0;\n")
	b.WriteString("SET sql_mode = 'NO_AUTO_VALUE_ON_ZERO';\n\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// ParseHeader builds a Header from collected "# Key: value" lines. Unknown
// keys are ignored; missing keys stay empty.
func ParseHeader(fields map[string]string) Header {
	h := Header{
		BackupOf:            fields[KeyBackupOf],
		HomeURL:             fields[KeyHomeURL],
		ContentURL:          fields[KeyContentURL],
		UploadsURL:          fields[KeyUploadsURL],
		TablePrefix:         fields[KeyTablePrefix],
		FilteredTablePrefix: fields[KeyFilteredPfx],
		PluginVersion:       fields[KeyPluginVersion],
		Multisite:           fields[KeyMultisite] == "1",
	}
	if created, err := time.Parse(time.RFC3339, fields[KeyCreated]); err == nil {
		h.Created = created
	}
	return h
}

// ParseHeaderLine splits a "# Key: value" line. ok is false for other lines.
func ParseHeaderLine(line string) (key, value string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "# ") {
		return "", "", false
	}
	key, value, ok = strings.Cut(line[2:], ": ")
	if !ok {
		// "# Key:" with an empty value
		if k, found := strings.CutSuffix(line[2:], ":"); found {
			return k, "", true
		}
		return "", "", false
	}
	return key, value, true
}
