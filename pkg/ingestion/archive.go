package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
)

// Archive downloads files from a PhysioNet style archive laid out as
// {base}/{database}/{version}/{file}. Files are mirrored under
// {dataDir}/{database}/ and never downloaded twice.
type Archive struct {
	baseURL  string
	version  string
	dataDir  string
	client   *http.Client
	attempts int
	delay    time.Duration
}

func NewArchive(baseURL, version, dataDir string, client *http.Client, attempts int) *Archive {
	if client == nil {
		client = httpclient.New(60 * time.Second)
	}
	return &Archive{
		baseURL:  strings.TrimRight(baseURL, "/"),
		version:  version,
		dataDir:  dataDir,
		client:   client,
		attempts: attempts,
		delay:    200 * time.Millisecond,
	}
}

func (a *Archive) URL(database, file string) string {
	return fmt.Sprintf("%s/%s/%s/%s", a.baseURL, database, a.version, file)
}

// LocalPath is where file of database is mirrored.
func (a *Archive) LocalPath(database, file string) string {
	return filepath.Join(a.dataDir, database, filepath.FromSlash(file))
}

// maxListingDepth bounds how deep nested RECORDS listings are followed.
const maxListingDepth = 8

// ListRecords returns the record names listed in the database's RECORDS file.
// An entry ending in "/" names a directory with its own RECORDS file; its
// records are listed with the directory as prefix.
func (a *Archive) ListRecords(ctx context.Context, database string) ([]string, error) {
	return a.listRecords(ctx, database, "", 0)
}

func (a *Archive) listRecords(ctx context.Context, database, dir string, depth int) ([]string, error) {
	if depth > maxListingDepth {
		return nil, errs.Errorf(errs.KindUnsupported, "ingestion.archive", "RECORDS nesting deeper than %d at %s", maxListingDepth, dir)
	}
	data, err := a.Fetch(ctx, database, path.Join(dir, "RECORDS"))
	if err != nil {
		return nil, err
	}
	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !strings.HasSuffix(entry, "/") {
			names = append(names, path.Join(dir, entry))
			continue
		}
		nested, err := a.listRecords(ctx, database, path.Join(dir, strings.TrimSuffix(entry, "/")), depth+1)
		if err != nil {
			return nil, err
		}
		names = append(names, nested...)
	}
	return names, nil
}

// Fetch returns the contents of file, downloading it on first use.
func (a *Archive) Fetch(ctx context.Context, database, file string) ([]byte, error) {
	const op = "ingestion.archive"
	if err := checkRelative(file); err != nil {
		return nil, errs.E(errs.KindSchemaMismatch, op, err)
	}
	local := a.LocalPath(database, file)
	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		return os.ReadFile(local)
	}

	url := a.URL(database, file)
	var body []byte
	err := httpclient.Retry(ctx, a.attempts, a.delay, func() error {
		var err error
		body, err = a.get(ctx, url)
		return err
	})
	if err != nil {
		return nil, errs.E(errs.KindExternalService, op, err)
	}

	if err := writeAtomic(local, body); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", local, err)
	}
	logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "archive",
		"url":               url,
		"bytes":             len(body),
	}).Debug("Downloaded archive file")
	return body, nil
}

func (a *Archive) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.StatusError{URL: url, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func checkRelative(file string) error {
	clean := path.Clean(file)
	if file == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid archive path %q", file)
	}
	return nil
}

func writeAtomic(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
