// Package export writes completed listings as standalone JSON documents.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/market/listing"
)

// FormatVersion is stamped into every document.
const FormatVersion = "1.0"

// Info is the export metadata header.
type Info struct {
	ExportedAt time.Time `json:"exported_at"`
	UserID     int64     `json:"user_id"`
	ListingID  int64     `json:"listing_id"`
	Version    string    `json:"export_version"`
}

// Document is the on-disk layout.
type Document struct {
	Info    Info            `json:"export_info"`
	Listing listing.Listing `json:"listing"`
}

// Writer writes one file per listing into Dir.
type Writer struct {
	dir string
	now func() time.Time
}

// New returns a Writer for dir. The directory is created on first export.
func New(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// FileName is listing_<user>_<id>_<YYYYMMDD_HHMMSS>.json.
func FileName(l listing.Listing, at time.Time) string {
	return fmt.Sprintf("listing_%d_%d_%s.json", l.OwnerID, l.ID, at.UTC().Format("20060102_150405"))
}

// Export writes l and returns the file name. The file appears atomically.
func (w *Writer) Export(ctx context.Context, l listing.Listing) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	at := w.now()
	doc := Document{
		Info:    Info{ExportedAt: at.UTC(), UserID: l.OwnerID, ListingID: l.ID, Version: FormatVersion},
		Listing: l,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode listing %d: %w", l.ID, err)
	}

	name := FileName(l, at)
	tmp, err := os.CreateTemp(w.dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename export: %w", err)
	}
	logger.Info(ctx, logger.CompExport, "export.written",
		slog.Int64("listing_id", l.ID),
		slog.String("file", name),
	)
	return name, nil
}

// Read loads one exported document.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// ListForUser returns up to limit export file names of userID, newest first.
func (w *Writer) ListForUser(userID int64, limit int) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read export dir: %w", err)
	}
	prefix := "listing_" + strconv.FormatInt(userID, 10) + "_"
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".json") {
			continue
		}
		names = append(names, n)
	}
	// timestamp suffix sorts lexically; fall back to the name for equal stamps
	sort.Slice(names, func(i, j int) bool {
		si, sj := stamp(names[i]), stamp(names[j])
		if si != sj {
			return si > sj
		}
		return names[i] > names[j]
	})
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// Dir returns the export directory.
func (w *Writer) Dir() string { return w.dir }

func stamp(name string) string {
	name = strings.TrimSuffix(name, ".json")
	if len(name) < len("20060102_150405") {
		return ""
	}
	return name[len(name)-len("20060102_150405"):]
}
