package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/garudex-labs/caracal/pkg/archive"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatCSV    Format = "csv"
	FormatSyslog Format = "syslog"
)

// Syslog exports use facility local0 at severity informational, giving
// every line the fixed priority 134.
const (
	syslogFacility = 16
	syslogSeverity = 6
	syslogPriority = syslogFacility*8 + syslogSeverity
)

var (
	// ErrUnknownFormat is returned for a format the exporter cannot render.
	ErrUnknownFormat = errors.New("audit: unknown export format")
	// ErrArchiveNotConfigured is returned when Ship is called without an
	// archive backend.
	ErrArchiveNotConfigured = errors.New("audit: archive not configured")
)

// csvColumns is the fixed CSV column order. Downstream ingestion scripts
// index by position, so the order is part of the format.
var csvColumns = []string{
	"log_id", "event_id", "event_type", "topic", "partition", "offset",
	"event_timestamp", "principal_id", "correlation_id", "event_data",
}

// Exporter renders audit pages for compliance handoff and ships them to
// the archive.
type Exporter struct {
	store   *Store
	archive archive.Store
	logger  *slog.Logger
	clock   func() time.Time
}

// NewExporter creates an exporter over the store. The archive is optional;
// without one, Export still works and Ship fails closed.
func NewExporter(store *Store, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:  store,
		logger: logger.With(slog.String("component", "audit_exporter")),
		clock:  time.Now,
	}
}

// WithArchive sets the backend Ship writes to.
func (e *Exporter) WithArchive(store archive.Store) *Exporter {
	e.archive = store
	return e
}

// WithClock overrides clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export renders one page of the trail in the given format. A filter
// without a limit exports up to MaxQueryLimit entries; larger trails
// paginate with AfterLogID across calls.
func (e *Exporter) Export(ctx context.Context, filter Filter, format Format) ([]byte, error) {
	if filter.Limit <= 0 {
		filter.Limit = MaxQueryLimit
	}
	entries, err := e.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch format {
	case FormatJSON:
		data, err = renderJSON(entries)
	case FormatCSV:
		data, err = renderCSV(entries)
	case FormatSyslog:
		data, err = renderSyslog(entries)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("audit export rendered",
		slog.Int("entries", len(entries)),
		slog.String("format", string(format)))
	return data, nil
}

// Ship renders an export and writes it to the archive under a timestamped
// key, returning the key.
func (e *Exporter) Ship(ctx context.Context, filter Filter, format Format) (string, error) {
	if e.archive == nil {
		return "", ErrArchiveNotConfigured
	}
	data, err := e.Export(ctx, filter, format)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("audit/export-%s.%s",
		e.clock().UTC().Format("20060102T150405Z"), formatExt(format))
	if err := e.archive.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("ship audit export: %w", err)
	}
	e.logger.Info("audit export shipped", slog.String("key", key))
	return key, nil
}

func formatExt(format Format) string {
	if format == FormatSyslog {
		return "log"
	}
	return string(format)
}

// renderJSON emits the entries as one indented JSON array. An empty page
// renders as [] rather than null.
func renderJSON(entries []*Entry) ([]byte, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render audit export: %w", err)
	}
	return data, nil
}

func renderCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, fmt.Errorf("render audit export: %w", err)
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.LogID, 10),
			e.EventID,
			e.EventType,
			e.Topic,
			strconv.Itoa(e.Partition),
			strconv.FormatInt(e.Offset, 10),
			e.EventTimestamp.UTC().Format(time.RFC3339Nano),
			e.PrincipalID,
			e.CorrelationID,
			string(e.EventData),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("render audit export: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("render audit export: %w", err)
	}
	return buf.Bytes(), nil
}

// renderSyslog emits one RFC 5424 line per entry. The structured-data
// element carries the row coordinates; the free-text message carries the
// full event payload.
func renderSyslog(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "<%d>1 %s caracal-core audit-logger - - ",
			syslogPriority, e.EventTimestamp.UTC().Format("2006-01-02T15:04:05.000000Z"))

		buf.WriteString(`[caracal@32473`)
		writeSDParam(&buf, "log_id", strconv.FormatInt(e.LogID, 10))
		writeSDParam(&buf, "event_id", e.EventID)
		writeSDParam(&buf, "event_type", e.EventType)
		writeSDParam(&buf, "topic", e.Topic)
		writeSDParam(&buf, "partition", strconv.Itoa(e.Partition))
		writeSDParam(&buf, "offset", strconv.FormatInt(e.Offset, 10))
		if e.PrincipalID != "" {
			writeSDParam(&buf, "principal_id", e.PrincipalID)
		}
		if e.CorrelationID != "" {
			writeSDParam(&buf, "correlation_id", e.CorrelationID)
		}
		buf.WriteByte(']')

		buf.WriteString(" Caracal audit event: ")
		buf.Write(e.EventData)
	}
	return buf.Bytes(), nil
}

var sdEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`)

// writeSDParam appends one structured-data parameter, escaping the three
// characters RFC 5424 reserves inside param values.
func writeSDParam(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	buf.WriteString(sdEscaper.Replace(value))
	buf.WriteByte('"')
}
