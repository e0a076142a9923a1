// Package logparse fetches CI job logs and extracts structured artifacts
// from them: job details, step summaries with error lines, and embedded
// performance data.
package logparse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/mozilla/treeherder/internal/model"
	"github.com/mozilla/treeherder/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultMaxStepErrors      = 100
	DefaultMaxLineBytes       = 1 << 20
	DefaultFailureLinesCutoff = 35

	// UnnamedStep names the implicit step holding errors seen outside any
	// explicit step.
	UnnamedStep = "Unnamed step"

	progressEvery = 10000
)

// Options tune the parser. Zero values select the defaults.
type Options struct {
	MaxStepErrors int
	MaxLineBytes  int
	// Progress, when set, is called periodically and once at the end with
	// the running byte and line counts.
	Progress func(Stats)
}

// Stats are out-of-band counters for one parse.
type Stats struct {
	Bytes int64 `json:"bytes"`
	Lines int   `json:"lines"`
}

// LineError is an error line and its 0-based position in the log.
type LineError struct {
	Line       string `json:"line"`
	LineNumber int    `json:"linenumber"`
}

// Step is one section of a log.
type Step struct {
	Name         string          `json:"name"`
	Result       model.JobResult `json:"result"`
	Started      *time.Time      `json:"started"`
	Finished     *time.Time      `json:"finished"`
	StartedLine  int             `json:"started_linenumber"`
	FinishedLine *int            `json:"finished_linenumber"`
	Duration     *int            `json:"duration"`
	Order        int             `json:"order"`
	Errors       []LineError     `json:"errors"`
	ErrorCount   int             `json:"error_count"`
}

// StepData is the step summary of a log.
type StepData struct {
	Steps           []Step      `json:"steps"`
	ErrorsTruncated bool        `json:"errors_truncated"`
	AllErrors       []LineError `json:"all_errors"`
}

// Artifacts is everything extracted from one log.
type Artifacts struct {
	JobDetails      []model.JobDetail `json:"job_details"`
	StepData        StepData          `json:"step_data"`
	PerformanceData []PerfherderData  `json:"performance_data"`
	Stats           Stats             `json:"-"`
}

// Parser turns log bytes into Artifacts. It is safe for concurrent use.
type Parser struct {
	opts   Options
	logger *slog.Logger
	schema *jsonschema.Schema

	perfInvalid   metric.Int64Counter
	parseDuration metric.Float64Histogram
}

// NewParser compiles the performance artifact schema and registers the
// parser's instruments.
func NewParser(logger *slog.Logger, opts Options) (*Parser, error) {
	if opts.MaxStepErrors <= 0 {
		opts.MaxStepErrors = DefaultMaxStepErrors
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	schema, err := compilePerfSchema()
	if err != nil {
		return nil, err
	}

	meter := telemetry.Meter("treeherder/logparse")
	perfInvalid, err := meter.Int64Counter("treeherder.logparse.perf_blocks_invalid",
		metric.WithDescription("PERFHERDER_DATA blocks discarded by schema validation"))
	if err != nil {
		return nil, fmt.Errorf("logparse: create counter: %w", err)
	}
	parseDuration, err := meter.Float64Histogram("treeherder.logparse.duration",
		metric.WithDescription("Time spent parsing one log"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("logparse: create histogram: %w", err)
	}

	return &Parser{
		opts:          opts,
		logger:        logger,
		schema:        schema,
		perfInvalid:   perfInvalid,
		parseDuration: parseDuration,
	}, nil
}

// ParseURL opens url with f and parses it.
func (p *Parser) ParseURL(ctx context.Context, f *Fetcher, url string) (*Artifacts, error) {
	rc, err := f.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return p.Parse(ctx, rc)
}

// Parse reads r to EOF. Read errors that came from the network are returned
// as *FetchError; anything else that stops the parse wraps ErrMalformedLog.
func (p *Parser) Parse(ctx context.Context, r io.Reader) (*Artifacts, error) {
	start := time.Now()
	lr := newLineReader(r, p.opts.MaxLineBytes)
	st := &parseState{p: p, ctx: ctx}

	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw, err := lr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var fe *FetchError
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLog, n, err)
		}
		st.line(n, strings.ToValidUTF8(string(raw), "\uFFFD"))
		if p.opts.Progress != nil && (n+1)%progressEvery == 0 {
			p.opts.Progress(Stats{Bytes: lr.bytes, Lines: n + 1})
		}
	}

	st.finish(lr.lines - 1)
	stats := Stats{Bytes: lr.bytes, Lines: lr.lines}
	if p.opts.Progress != nil {
		p.opts.Progress(stats)
	}
	p.parseDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)

	st.art.Stats = stats
	return &st.art, nil
}

// Step markers. Buildbot markers are checked first since the plain
// "Started" pattern also matches them.
var (
	reBuildbotMarker = regexp.MustCompile(`^={9} (Started|Finished) (.*?) \(results: (\d+), elapsed: .*?\) \(at (.*?)\) ={9}`)
	reStepStart      = regexp.MustCompile(`^={9} Started (.+?) =+\s*$`)
	reStepFinish     = regexp.MustCompile(`^={9} Finished (.+?) \(exit code (-?\d+)\) in (.*?) =+\s*$`)
	reDurationPart   = regexp.MustCompile(`(\d+(?:\.\d+)?)([hms])`)

	// "[task 2024-01-01T00:00:00.000Z] " or a bare ISO timestamp.
	reTimestampPrefix = regexp.MustCompile(`^(?:\[[a-z]+ (\d{4}-\d\d-\d\dT[\d:.]+Z?)\] |(\d{4}-\d\d-\d\dT[\d:.]+Z?) )`)

	rePerfherder = regexp.MustCompile(`PERFHERDER_DATA:\s*(\{.*\})\s*$`)
)

const buildbotTimeLayout = "2006-01-02 15:04:05.999999"

type parseState struct {
	p   *Parser
	ctx context.Context
	art Artifacts

	cur      *Step
	explicit bool
	exitCode *int
	seen     map[string]bool
}

func (s *parseState) line(n int, text string) {
	ts, body := splitTimestamp(text)

	if m := reBuildbotMarker.FindStringSubmatch(body); m != nil {
		at := parseBuildbotTime(m[4])
		if m[1] == "Started" {
			s.startStep(n, m[2], at)
		} else {
			code, _ := strconv.Atoi(m[3])
			s.finishStep(n, at, nil, model.ResultFromCode(code))
		}
		return
	}
	if m := reStepStart.FindStringSubmatch(body); m != nil {
		s.startStep(n, m[1], ts)
		return
	}
	if m := reStepFinish.FindStringSubmatch(body); m != nil {
		code, _ := strconv.Atoi(m[2])
		s.exitCode = &code
		dur := parseDuration(m[3])
		s.finishStep(n, ts, dur, "")
		return
	}

	if d, ok := parseJobDetail(text); ok {
		s.addDetail(d)
	}
	if m := rePerfherder.FindStringSubmatch(body); m != nil {
		s.perf(n, m[1])
		return
	}
	if IsErrorLine(body) {
		s.addError(n, strings.TrimRight(text, " \t"))
	}
}

func (s *parseState) startStep(n int, name string, at *time.Time) {
	if s.cur != nil {
		// An implicit step ends where the explicit one begins. An explicit
		// step without a finish marker is closed as unknown.
		if s.explicit {
			s.closeStep(nil, nil, nil, model.ResultUnknown)
		} else {
			end := n - 1
			s.closeStep(&end, nil, nil, "")
		}
	}
	s.art.StepData.Steps = append(s.art.StepData.Steps, Step{
		Name:        strings.TrimSpace(name),
		Started:     at,
		StartedLine: n,
		Order:       len(s.art.StepData.Steps),
	})
	s.cur = &s.art.StepData.Steps[len(s.art.StepData.Steps)-1]
	s.explicit = true
	s.exitCode = nil
}

func (s *parseState) finishStep(n int, at *time.Time, dur *int, result model.JobResult) {
	if s.cur == nil {
		s.p.logger.Debug("logparse: finish marker outside a step", "line", n)
		s.exitCode = nil
		return
	}
	if at == nil && dur != nil && s.cur.Started != nil {
		t := s.cur.Started.Add(time.Duration(*dur) * time.Second)
		at = &t
	}
	s.closeStep(&n, at, dur, result)
}

// closeStep finalizes the current step. An empty result is derived from
// the exit code and the errors seen in the step.
func (s *parseState) closeStep(finishedLine *int, at *time.Time, dur *int, result model.JobResult) {
	st := s.cur
	st.FinishedLine = finishedLine
	st.Finished = at
	st.Duration = dur
	if dur == nil && st.Started != nil && at != nil {
		secs := int(at.Sub(*st.Started).Round(time.Second) / time.Second)
		st.Duration = &secs
	}
	if result == "" {
		switch {
		case st.ErrorCount > 0:
			result = model.ResultTestFailed
		case s.exitCode != nil && *s.exitCode != 0:
			result = model.ResultBusted
		default:
			result = model.ResultSuccess
		}
	}
	st.Result = result
	s.cur = nil
	s.explicit = false
	s.exitCode = nil
}

// finish closes whatever step is still open at EOF.
func (s *parseState) finish(lastLine int) {
	if s.cur == nil {
		return
	}
	if s.explicit {
		s.closeStep(nil, nil, nil, model.ResultUnknown)
		return
	}
	s.closeStep(&lastLine, nil, nil, "")
}

func (s *parseState) addError(n int, text string) {
	if s.cur == nil {
		s.art.StepData.Steps = append(s.art.StepData.Steps, Step{
			Name:        UnnamedStep,
			StartedLine: n,
			Order:       len(s.art.StepData.Steps),
		})
		s.cur = &s.art.StepData.Steps[len(s.art.StepData.Steps)-1]
		s.explicit = false
	}
	s.cur.ErrorCount++
	if len(s.cur.Errors) >= s.p.opts.MaxStepErrors {
		s.art.StepData.ErrorsTruncated = true
		return
	}
	e := LineError{Line: text, LineNumber: n}
	s.cur.Errors = append(s.cur.Errors, e)
	s.art.StepData.AllErrors = append(s.art.StepData.AllErrors, e)
}

func (s *parseState) addDetail(d model.JobDetail) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := d.Title + "\x00" + d.Value + "\x00" + d.URL
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.art.JobDetails = append(s.art.JobDetails, d)
}

func (s *parseState) perf(n int, blob string) {
	data, err := s.p.validatePerf(blob)
	if err != nil {
		s.p.perfInvalid.Add(s.ctx, 1)
		s.p.logger.Warn("logparse: discarding invalid PERFHERDER_DATA", "line", n, "error", err)
		return
	}
	s.art.PerformanceData = append(s.art.PerformanceData, data)
}

func splitTimestamp(text string) (*time.Time, string) {
	m := reTimestampPrefix.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, text
	}
	raw := ""
	switch {
	case m[2] >= 0:
		raw = text[m[2]:m[3]]
	case m[4] >= 0:
		raw = text[m[4]:m[5]]
	}
	body := text[m[1]:]
	if !strings.HasSuffix(raw, "Z") {
		raw += "Z"
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, body
	}
	return &t, body
}

func parseBuildbotTime(s string) *time.Time {
	t, err := time.Parse(buildbotTimeLayout, strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}

// parseDuration reads "1h 2m 3s" style durations, rounded to seconds.
func parseDuration(s string) *int {
	parts := reDurationPart.FindAllStringSubmatch(s, -1)
	if parts == nil {
		return nil
	}
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p[1], 64)
		if err != nil {
			return nil
		}
		switch p[2] {
		case "h":
			total += v * 3600
		case "m":
			total += v * 60
		default:
			total += v
		}
	}
	secs := int(total + 0.5)
	return &secs
}

// lineReader reads newline-terminated lines, keeping at most max bytes of
// each and discarding the rest.
type lineReader struct {
	r     *bufio.Reader
	max   int
	buf   []byte
	bytes int64
	lines int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

func (lr *lineReader) next() ([]byte, error) {
	lr.buf = lr.buf[:0]
	read := false
	for {
		frag, err := lr.r.ReadSlice('\n')
		if len(frag) > 0 {
			read = true
			lr.bytes += int64(len(frag))
			if room := lr.max - len(lr.buf); room > 0 {
				lr.buf = append(lr.buf, frag[:min(len(frag), room)]...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, io.EOF
			}
		case err != nil:
			return nil, err
		}
		lr.lines++
		return trimEOL(lr.buf), nil
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
