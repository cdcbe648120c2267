// Package ingestion fetches waveform records from a PhysioNet style archive
// and decodes them into per-channel series.
package ingestion

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/logger"
	"github.com/synaptica-ai/diagnosis/pkg/observability/metrics"
	"gorm.io/datatypes"
)

type Service struct {
	archive    *Archive
	catalog    *Catalog
	maxRecords int
}

type Option func(*Service)

// WithCatalog records every fetched record in catalog.
func WithCatalog(c *Catalog) Option {
	return func(s *Service) {
		s.catalog = c
	}
}

// WithMaxRecords limits a fetch to the first n listed records. Zero means all.
func WithMaxRecords(n int) Option {
	return func(s *Service) {
		s.maxRecords = n
	}
}

func NewService(archive *Archive, opts ...Option) *Service {
	s := &Service{archive: archive}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch downloads and decodes every record of database. It is best effort:
// failures are collected per record and never abort the remaining records.
func (s *Service) Fetch(ctx context.Context, database string) Outcome {
	start := time.Now()
	out := Outcome{Database: database, Records: map[string]Record{}}
	log := logger.Log.WithFields(map[string]interface{}{
		logger.ComponentKey: "ingestion",
		logger.DatabaseKey:  database,
	})

	names, err := s.archive.ListRecords(ctx, database)
	if err != nil {
		log.WithError(err).Error("Failed to list archive records")
		out.Failures = append(out.Failures, Failure{Record: "RECORDS", Kind: kindOf(err), Err: err})
		metrics.ObserveFetch(out.Status())
		return out
	}
	if s.maxRecords > 0 && len(names) > s.maxRecords {
		names = names[:s.maxRecords]
	}

	for _, name := range names {
		if ctx.Err() != nil {
			out.Failures = append(out.Failures, Failure{Record: name, Kind: errs.KindExternalService, Err: ctx.Err()})
			continue
		}
		rec, err := s.fetchRecord(ctx, database, name)
		if err != nil {
			log.WithError(err).WithField(logger.RecordKey, name).Warn("Skipping record")
			out.Failures = append(out.Failures, Failure{Record: name, Kind: kindOf(err), Err: err})
			s.catalogue(ctx, database, name, nil, err)
			metrics.ObserveRecord(database, StatusFailed)
			continue
		}
		out.Records[name] = rec
		s.catalogue(ctx, database, name, &rec, nil)
		metrics.ObserveRecord(database, StatusParsed)
	}

	metrics.ObserveFetch(out.Status())
	log.WithFields(map[string]interface{}{
		"status":              out.Status(),
		"records":             len(out.Records),
		"failures":            len(out.Failures),
		logger.DurationMsKey:  time.Since(start).Milliseconds(),
	}).Info("Archive fetch finished")
	return out
}

func (s *Service) fetchRecord(ctx context.Context, database, name string) (Record, error) {
	header, err := s.fetchHeader(ctx, database, name)
	if err != nil {
		return Record{}, err
	}
	if header.MultiSegment() {
		return s.fetchSegments(ctx, database, name, header)
	}
	channels, order, err := s.decodeSegment(ctx, database, path.Dir(name), header)
	if err != nil {
		return Record{}, err
	}
	return Record{Name: name, Fs: header.Fs, Channels: channels, Order: order}, nil
}

func (s *Service) fetchHeader(ctx context.Context, database, name string) (*Header, error) {
	data, err := s.archive.Fetch(ctx, database, name+".hea")
	if err != nil {
		return nil, err
	}
	return ParseHeader(data)
}

// fetchSegments reads every segment header next to the master header and
// joins the decoded segments in order.
func (s *Service) fetchSegments(ctx context.Context, database, name string, master *Header) (Record, error) {
	const op = "ingestion.segments"
	dir := path.Dir(name)
	joiner := newSegmentJoiner()
	for _, seg := range master.Segments {
		if seg.Name == nullSegment {
			joiner.gap(seg.Samples)
			continue
		}
		header, err := s.fetchHeader(ctx, database, path.Join(dir, seg.Name))
		if err != nil {
			return Record{}, err
		}
		if header.MultiSegment() {
			return Record{}, errs.Errorf(errs.KindUnsupported, op, "segment %s is itself multi-segment", seg.Name)
		}
		if seg.Samples == 0 {
			order := make([]string, len(header.Signals))
			for i, sig := range header.Signals {
				order[i] = sig.Description
			}
			joiner.layout(order)
			continue
		}
		channels, order, err := s.decodeSegment(ctx, database, dir, header)
		if err != nil {
			return Record{}, err
		}
		joiner.add(channels, order, seg.Samples)
	}
	return Record{Name: name, Fs: master.Fs, Channels: joiner.channels, Order: joiner.order}, nil
}

func (s *Service) decodeSegment(ctx context.Context, database, dir string, header *Header) (map[string][]float64, []string, error) {
	files := map[string][]byte{}
	for _, sig := range header.Signals {
		if _, ok := files[sig.File]; ok {
			continue
		}
		data, err := s.archive.Fetch(ctx, database, path.Join(dir, sig.File))
		if err != nil {
			return nil, nil, err
		}
		files[sig.File] = data
	}
	return Decode(header, files)
}

func (s *Service) catalogue(ctx context.Context, database, name string, rec *Record, fetchErr error) {
	if s.catalog == nil {
		return
	}
	row := &IngestedRecord{Database: database, Name: name, Status: StatusAccepted}
	if rec != nil {
		row.Status = StatusParsed
		row.Samples = rec.Samples()
		row.Fs = rec.Fs
		if channels, err := json.Marshal(rec.Order); err == nil {
			row.Channels = datatypes.JSON(channels)
		}
	}
	if fetchErr != nil {
		row.Status = StatusFailed
		row.ErrorKind = string(kindOf(fetchErr))
		row.Error = fetchErr.Error()
	}
	if err := s.catalog.Upsert(ctx, row); err != nil {
		logger.Log.WithError(err).WithField(logger.RecordKey, name).Warn("Failed to update ingestion catalog")
	}
}

func kindOf(err error) errs.Kind {
	if k := errs.KindOf(err); k != "" {
		return k
	}
	return errs.KindExternalService
}
