package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/archive"
)

func newExporter(t *testing.T, f *auditFixture) *Exporter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExporter(f.store, logger).WithClock(func() time.Time { return f.now })
}

func TestExportJSON(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "req-9", f.now))
	f.append(t, f.entry("evt-2", "metering", "agent-2", "", f.now.Add(time.Minute)))

	data, err := exporter.Export(ctx, Filter{}, FormatJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var decoded []Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("exported %d entries, want 2", len(decoded))
	}
	if decoded[0].EventID != "evt-1" || decoded[0].CorrelationID != "req-9" {
		t.Errorf("first entry = %+v", decoded[0])
	}
	if decoded[1].EventType != "metering" || decoded[1].PrincipalID != "agent-2" {
		t.Errorf("second entry = %+v", decoded[1])
	}
}

func TestExportJSONEmptyTrail(t *testing.T) {
	f := newAuditFixture(t)
	exporter := newExporter(t, f)

	data, err := exporter.Export(context.Background(), Filter{}, FormatJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("empty export = %q, want []", data)
	}
}

func TestExportCSVColumnOrder(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "req-9", f.now))

	data, err := exporter.Export(ctx, Filter{}, FormatCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("csv has %d rows, want header plus 1", len(records))
	}

	wantHeader := []string{"log_id", "event_id", "event_type", "topic",
		"partition", "offset", "event_timestamp", "principal_id",
		"correlation_id", "event_data"}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Errorf("header column %d = %q, want %q", i, records[0][i], col)
		}
	}

	row := records[1]
	if row[0] != "1" || row[1] != "evt-1" || row[2] != "authority_decision" {
		t.Errorf("row identity columns = %v", row[:3])
	}
	if row[3] != "authority.events" || row[4] != "0" || row[5] != "0" {
		t.Errorf("row coordinate columns = %v", row[3:6])
	}
	if row[6] != "2026-03-01T09:00:00Z" {
		t.Errorf("timestamp column = %q", row[6])
	}
	if row[7] != "agent-1" || row[8] != "req-9" {
		t.Errorf("identity columns = %v", row[7:9])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(row[9]), &payload); err != nil {
		t.Errorf("event_data column is not JSON: %v", err)
	}
}

func TestExportSyslogFormat(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "req-9", f.now))

	data, err := exporter.Export(ctx, Filter{}, FormatSyslog)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	want := `<134>1 2026-03-01T09:00:00.000000Z caracal-core audit-logger - - ` +
		`[caracal@32473 log_id="1" event_id="evt-1" event_type="authority_decision" ` +
		`topic="authority.events" partition="0" offset="0" principal_id="agent-1" ` +
		`correlation_id="req-9"] Caracal audit event: {"event_id":"evt-1"}`
	if string(data) != want {
		t.Errorf("syslog line mismatch:\n got %s\nwant %s", data, want)
	}
}

func TestExportSyslogEscapesValues(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	e := f.entry("evt-1", "authority_decision", `agent"qu\ot]ed`, "", f.now)
	f.append(t, e)

	data, err := exporter.Export(ctx, Filter{}, FormatSyslog)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(string(data), `principal_id="agent\"qu\\ot\]ed"`) {
		t.Errorf("structured data not escaped: %s", data)
	}
}

func TestExportSyslogMultipleLines(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-2", "metering", "agent-1", "", f.now))

	data, err := exporter.Export(ctx, Filter{}, FormatSyslog)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) != 2 {
		t.Fatalf("syslog export has %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, "<134>1 ") {
			t.Errorf("line %d missing priority prefix: %s", i, line)
		}
	}
}

func TestExportUnknownFormat(t *testing.T) {
	f := newAuditFixture(t)
	exporter := newExporter(t, f)

	_, err := exporter.Export(context.Background(), Filter{}, Format("xml"))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestExportRespectsFilter(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()
	exporter := newExporter(t, f)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))
	f.append(t, f.entry("evt-2", "authority_decision", "agent-2", "", f.now))

	data, err := exporter.Export(ctx, Filter{PrincipalID: "agent-2"}, FormatJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var decoded []Entry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(decoded) != 1 || decoded[0].EventID != "evt-2" {
		t.Fatalf("filtered export returned %d entries", len(decoded))
	}
}

func TestShipWritesArchive(t *testing.T) {
	f := newAuditFixture(t)
	ctx := context.Background()

	fs, err := archive.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	exporter := newExporter(t, f).WithArchive(fs)

	f.append(t, f.entry("evt-1", "authority_decision", "agent-1", "", f.now))

	key, err := exporter.Ship(ctx, Filter{}, FormatJSON)
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if key != "audit/export-20260301T090000Z.json" {
		t.Errorf("key = %q", key)
	}

	stored, err := fs.Get(ctx, key)
	if err != nil {
		t.Fatalf("get shipped export: %v", err)
	}
	var decoded []Entry
	if err := json.Unmarshal(stored, &decoded); err != nil {
		t.Fatalf("shipped export not JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].EventID != "evt-1" {
		t.Errorf("shipped export = %+v", decoded)
	}
}

func TestShipWithoutArchiveFailsClosed(t *testing.T) {
	f := newAuditFixture(t)
	exporter := newExporter(t, f)

	_, err := exporter.Ship(context.Background(), Filter{}, FormatJSON)
	if !errors.Is(err, ErrArchiveNotConfigured) {
		t.Fatalf("expected ErrArchiveNotConfigured, got %v", err)
	}
}
