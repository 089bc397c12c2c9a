package media

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/facette/natsort"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArchiveEntry is one file added to an export archive.
type ArchiveEntry struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// CreateArchive writes entries into a new ZIP under the archive directory.
// Entries are ordered by natural name order; unreadable entries are skipped.
// Returns the store-relative path and the archive size in bytes.
func (p *Processor) CreateArchive(prefix string, entries []ArchiveEntry) (string, int64, error) {
	archiveDir, err := p.store.EnsureDir(AssetTypeArchive)
	if err != nil {
		return "", 0, err
	}

	sorted := make([]ArchiveEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return natsort.Compare(sorted[i].Name, sorted[j].Name)
	})

	timestamp := time.Now().Unix()
	archiveUUID, _ := uuid.NewRandom()
	zipFilename := fmt.Sprintf("%s_%d_%s.zip", prefix, timestamp, archiveUUID.String()[:8])
	zipFilePath := filepath.Join(archiveDir, zipFilename)

	zipFile, err := os.Create(zipFilePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create zip file %s: %w", zipFilePath, err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)
	defer zipWriter.Close()

	written := 0
	seen := make(map[string]bool, len(sorted))
	for _, entry := range sorted {
		if seen[entry.Name] {
			p.log.Warn("duplicate archive entry, skipping", zap.String("name", entry.Name))
			continue
		}
		seen[entry.Name] = true

		src, err := entry.Open()
		if err != nil {
			p.log.Warn("failed to open archive entry, skipping", zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		writer, err := zipWriter.Create(entry.Name)
		if err != nil {
			src.Close()
			p.log.Warn("failed to create zip entry, skipping", zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		_, err = io.Copy(writer, src)
		src.Close()
		if err != nil {
			p.log.Warn("failed to write zip entry, skipping", zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		written++
	}

	if written == 0 {
		zipWriter.Close()
		zipFile.Close()
		os.Remove(zipFilePath)
		return "", 0, fmt.Errorf("no files could be added to archive")
	}

	if err := zipWriter.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize zip writer for %s: %w", zipFilePath, err)
	}

	zipInfo, err := os.Stat(zipFilePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat created zip file %s: %w", zipFilePath, err)
	}

	p.log.Info("created archive", zap.String("path", zipFilePath), zap.Int("files", written), zap.Int64("size", zipInfo.Size()))
	return filepath.ToSlash(filepath.Join(p.store.SubDir(AssetTypeArchive), zipFilename)), zipInfo.Size(), nil
}
