package ingestion

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
)

const (
	defaultFs   = 250
	defaultGain = 200
)

// Header is a parsed WFDB header. A multi-segment header lists Segments and
// carries no Signals of its own.
type Header struct {
	Name     string
	Fs       float64
	Samples  int
	Signals  []SignalSpec
	Segments []Segment
	Comments []string
}

// Segment is one entry of a multi-segment header. Name "~" is a gap of
// Samples missing frames; a segment with zero samples is a layout header.
type Segment struct {
	Name    string
	Samples int
}

const nullSegment = "~"

func (h *Header) MultiSegment() bool {
	return len(h.Segments) > 0
}

// SignalSpec is one signal line of a header.
type SignalSpec struct {
	File        string
	Format      int
	ByteOffset  int
	Gain        float64
	Baseline    int
	Units       string
	ADCZero     int
	Description string
}

// ParseHeader reads a WFDB header, single or multi-segment.
func ParseHeader(data []byte) (*Header, error) {
	const op = "ingestion.header"
	h := &Header{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	sawRecordLine := false
	nsig, nseg := 0, 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			h.Comments = append(h.Comments, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		fields := strings.Fields(line)
		if !sawRecordLine {
			sawRecordLine = true
			var err error
			if nsig, nseg, err = parseRecordLine(h, fields); err != nil {
				return nil, errs.E(errs.KindSchemaMismatch, op, err)
			}
			continue
		}
		if nseg > 0 {
			if len(h.Segments) == nseg {
				break
			}
			seg, err := parseSegmentLine(fields)
			if err != nil {
				return nil, errs.E(errs.KindSchemaMismatch, op, err)
			}
			h.Segments = append(h.Segments, seg)
			continue
		}
		if len(h.Signals) == nsig {
			break
		}
		spec, err := parseSignalLine(fields, len(h.Signals))
		if err != nil {
			if errs.KindOf(err) != "" {
				return nil, err
			}
			return nil, errs.E(errs.KindSchemaMismatch, op, err)
		}
		h.Signals = append(h.Signals, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.E(errs.KindSchemaMismatch, op, err)
	}
	if !sawRecordLine {
		return nil, errs.Errorf(errs.KindSchemaMismatch, op, "empty header")
	}
	if len(h.Segments) != nseg {
		return nil, errs.Errorf(errs.KindSchemaMismatch, op, "header declares %d segments, found %d", nseg, len(h.Segments))
	}
	if nseg == 0 && len(h.Signals) != nsig {
		return nil, errs.Errorf(errs.KindSchemaMismatch, op, "header declares %d signals, found %d", nsig, len(h.Signals))
	}
	return h, nil
}

// parseRecordLine reads "name[/segments] nsig [fs [nsamples]]" and returns
// the signal and segment counts.
func parseRecordLine(h *Header, fields []string) (int, int, error) {
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("record line needs a name and signal count")
	}
	nseg := 0
	name := fields[0]
	if i := strings.IndexByte(name, '/'); i >= 0 {
		n, err := strconv.Atoi(name[i+1:])
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid segment count in %q", name)
		}
		name, nseg = name[:i], n
	}
	h.Name = name
	nsig, err := strconv.Atoi(fields[1])
	if err != nil || nsig < 0 {
		return 0, 0, fmt.Errorf("invalid signal count %q", fields[1])
	}
	h.Fs = defaultFs
	if len(fields) > 2 {
		fs := fields[2]
		if i := strings.IndexAny(fs, "/("); i >= 0 {
			fs = fs[:i]
		}
		v, err := strconv.ParseFloat(fs, 64)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("invalid sampling frequency %q", fields[2])
		}
		h.Fs = v
	}
	if len(fields) > 3 {
		v, err := strconv.Atoi(fields[3])
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("invalid sample count %q", fields[3])
		}
		h.Samples = v
	}
	return nsig, nseg, nil
}

func parseSegmentLine(fields []string) (Segment, error) {
	if len(fields) < 2 {
		return Segment{}, fmt.Errorf("segment line needs a name and sample count")
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return Segment{}, fmt.Errorf("invalid segment length %q", fields[1])
	}
	return Segment{Name: fields[0], Samples: n}, nil
}

// parseSignalLine handles
// file format[xspf][:skew][+offset] [gain[(baseline)][/units] [adcres [adczero [initval [checksum [blocksize [description]]]]]]]
func parseSignalLine(fields []string, index int) (SignalSpec, error) {
	if len(fields) < 2 {
		return SignalSpec{}, fmt.Errorf("signal %d: line needs a file and format", index)
	}
	spec := SignalSpec{File: fields[0], Gain: defaultGain}

	format := fields[1]
	if i := strings.Index(format, "+"); i >= 0 {
		off, err := strconv.Atoi(format[i+1:])
		if err != nil {
			return SignalSpec{}, fmt.Errorf("signal %d: invalid byte offset in %q", index, fields[1])
		}
		spec.ByteOffset = off
		format = format[:i]
	}
	if i := strings.Index(format, ":"); i >= 0 {
		format = format[:i]
	}
	if i := strings.Index(format, "x"); i >= 0 {
		if spf := format[i+1:]; spf != "1" {
			return SignalSpec{}, errs.Errorf(errs.KindUnsupported, "ingestion.header", "signal %d: %s samples per frame", index, spf)
		}
		format = format[:i]
	}
	f, err := strconv.Atoi(format)
	if err != nil {
		return SignalSpec{}, fmt.Errorf("signal %d: invalid format %q", index, fields[1])
	}
	spec.Format = f

	baselineSet := false
	if len(fields) > 2 {
		gain := fields[2]
		if i := strings.Index(gain, "/"); i >= 0 {
			spec.Units = gain[i+1:]
			gain = gain[:i]
		}
		if i := strings.Index(gain, "("); i >= 0 {
			j := strings.Index(gain, ")")
			if j < i {
				return SignalSpec{}, fmt.Errorf("signal %d: invalid baseline in %q", index, fields[2])
			}
			b, err := strconv.Atoi(gain[i+1 : j])
			if err != nil {
				return SignalSpec{}, fmt.Errorf("signal %d: invalid baseline in %q", index, fields[2])
			}
			spec.Baseline = b
			baselineSet = true
			gain = gain[:i]
		}
		g, err := strconv.ParseFloat(gain, 64)
		if err != nil {
			return SignalSpec{}, fmt.Errorf("signal %d: invalid gain %q", index, fields[2])
		}
		if g != 0 {
			spec.Gain = g
		}
	}
	if len(fields) > 4 {
		z, err := strconv.Atoi(fields[4])
		if err != nil {
			return SignalSpec{}, fmt.Errorf("signal %d: invalid adc zero %q", index, fields[4])
		}
		spec.ADCZero = z
	}
	if !baselineSet {
		spec.Baseline = spec.ADCZero
	}
	if len(fields) > 8 {
		spec.Description = strings.Join(fields[8:], " ")
	}
	if spec.Description == "" {
		spec.Description = fmt.Sprintf("sig%d", index)
	}
	return spec, nil
}

// sample sentinels per format mark missing values
var invalidSample = map[int]int{
	16:  -32768,
	80:  -128,
	212: -2048,
}

// Decode converts the raw signal files of h into physical units. files maps
// a signal file name to its contents. Signals sharing a file are interleaved
// frame by frame.
func Decode(h *Header, files map[string][]byte) (map[string][]float64, []string, error) {
	const op = "ingestion.decode"
	type group struct {
		file    string
		format  int
		offset  int
		signals []int
	}
	var groups []*group
	byFile := map[string]*group{}
	for i, s := range h.Signals {
		g, ok := byFile[s.File]
		if !ok {
			g = &group{file: s.File, format: s.Format, offset: s.ByteOffset}
			byFile[s.File] = g
			groups = append(groups, g)
		}
		if s.Format != g.format {
			return nil, nil, errs.Errorf(errs.KindUnsupported, op, "mixed formats in %s", s.File)
		}
		g.signals = append(g.signals, i)
	}

	raw := make([][]int, len(h.Signals))
	for _, g := range groups {
		data, ok := files[g.file]
		if !ok {
			return nil, nil, errs.Errorf(errs.KindNotFound, op, "signal file %s missing", g.file)
		}
		if g.offset > len(data) {
			return nil, nil, errs.Errorf(errs.KindShapeMismatch, op, "byte offset %d beyond %s", g.offset, g.file)
		}
		stream, err := decodeStream(g.format, data[g.offset:])
		if err != nil {
			return nil, nil, errs.E(errs.KindUnsupported, op, err)
		}
		nsig := len(g.signals)
		frames := len(stream) / nsig
		if h.Samples > 0 && h.Samples < frames {
			frames = h.Samples
		}
		for k, idx := range g.signals {
			values := make([]int, frames)
			for f := 0; f < frames; f++ {
				values[f] = stream[f*nsig+k]
			}
			raw[idx] = values
		}
	}

	channels := make(map[string][]float64, len(h.Signals))
	order := make([]string, 0, len(h.Signals))
	for i, s := range h.Signals {
		name := s.Description
		for n := 2; ; n++ {
			if _, dup := channels[name]; !dup {
				break
			}
			name = fmt.Sprintf("%s_%d", s.Description, n)
		}
		sentinel := invalidSample[s.Format]
		physical := make([]float64, len(raw[i]))
		for j, adc := range raw[i] {
			if adc == sentinel {
				physical[j] = math.NaN()
				continue
			}
			physical[j] = float64(adc-s.Baseline) / s.Gain
		}
		channels[name] = physical
		order = append(order, name)
	}
	return channels, order, nil
}

func decodeStream(format int, data []byte) ([]int, error) {
	switch format {
	case 16:
		out := make([]int, len(data)/2)
		for i := range out {
			out[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
		}
		return out, nil
	case 80:
		out := make([]int, len(data))
		for i, b := range data {
			out[i] = int(b) - 128
		}
		return out, nil
	case 212:
		out := make([]int, 0, len(data)*2/3)
		for i := 0; i+2 < len(data); i += 3 {
			b0, b1, b2 := int(data[i]), int(data[i+1]), int(data[i+2])
			out = append(out, signExtend12(b0|(b1&0x0f)<<8), signExtend12(b2|(b1&0xf0)<<4))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("signal format %d", format)
	}
}

func signExtend12(v int) int {
	if v&0x800 != 0 {
		return v - 0x1000
	}
	return v
}

// segmentJoiner concatenates the segments of a multi-segment record. Channels
// absent from a segment, and gap segments, are filled with NaN so every
// channel stays aligned on the record's time axis.
type segmentJoiner struct {
	channels map[string][]float64
	order    []string
	length   int
}

func newSegmentJoiner() *segmentJoiner {
	return &segmentJoiner{channels: map[string][]float64{}}
}

// layout registers channel names without adding samples.
func (j *segmentJoiner) layout(order []string) {
	for _, name := range order {
		if _, ok := j.channels[name]; !ok {
			j.channels[name] = nanSeries(j.length)
			j.order = append(j.order, name)
		}
	}
}

// gap appends n missing frames to every channel.
func (j *segmentJoiner) gap(n int) {
	for name, values := range j.channels {
		j.channels[name] = append(values, nanSeries(n)...)
	}
	j.length += n
}

// add appends one decoded segment. n is the segment length from the parent
// header; shorter series are padded with NaN and longer ones truncated.
func (j *segmentJoiner) add(channels map[string][]float64, order []string, n int) {
	if n <= 0 {
		for _, values := range channels {
			if len(values) > n {
				n = len(values)
			}
		}
	}
	j.layout(order)
	for name, values := range j.channels {
		seg, ok := channels[name]
		if !ok {
			j.channels[name] = append(values, nanSeries(n)...)
			continue
		}
		if len(seg) > n {
			seg = seg[:n]
		}
		values = append(values, seg...)
		j.channels[name] = append(values, nanSeries(n-len(seg))...)
	}
	j.length += n
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
