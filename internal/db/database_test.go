package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertPlugin_InsertsOnConflictUpdatesState(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	d := NewDatabaseForTesting(sqlDB)

	p := RegisteredPlugin{
		ID:            "usb-logger",
		Name:          "usb-logger",
		Version:       "1.0.0",
		Entry:         "index.js",
		ManifestJSON:  json.RawMessage(`{"name":"usb-logger"}`),
		SecurityLevel: "medium",
		State:         "running",
		LoadedAt:      time.Now(),
	}

	mock.ExpectExec("INSERT INTO plugins").
		WithArgs(p.ID, p.Name, p.Version, p.Entry, p.ManifestJSON, p.Signature, p.SecurityLevel, p.State, p.LoadedAt, p.StartedAt, p.StoppedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := d.UpsertPlugin(p); err != nil {
		t.Fatalf("UpsertPlugin: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListPlugins_ScansEveryRow(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	d := NewDatabaseForTesting(sqlDB)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "version", "entry", "manifest", "signature", "security_level", "state", "loaded_at", "started_at", "stopped_at"}).
		AddRow("usb-logger", "usb-logger", "1.0.0", "index.js", []byte(`{}`), "", "medium", "running", now, nil, nil).
		AddRow("csv-exporter", "csv-exporter", "2.1.0", "main.js", []byte(`{}`), "", "high", "stopped", now, nil, nil)

	mock.ExpectQuery("SELECT id, name, version, entry, manifest, signature, security_level, state, loaded_at, started_at, stopped_at\\s+FROM plugins").
		WillReturnRows(rows)

	got, err := d.ListPlugins()
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(got))
	}
	if got[0].ID != "usb-logger" || got[1].ID != "csv-exporter" {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestAppendAuditLog_EmptyBatchIsNoOp(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	d := NewDatabaseForTesting(sqlDB)
	if err := d.AppendAuditLog(nil); err != nil {
		t.Fatalf("AppendAuditLog(nil): %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries issued for empty batch: %v", err)
	}
}

func TestAppendAuditLog_InsertsEachEntryInATransaction(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	d := NewDatabaseForTesting(sqlDB)
	entries := []AuditRecord{
		{PluginID: "usb-logger", ChannelID: "ch1", Direction: "inbound", Type: "hotplug", Size: 128, Timestamp: time.Now()},
		{PluginID: "usb-logger", ChannelID: "ch1", Direction: "outbound", Type: "ack", Size: 16, Timestamp: time.Now()},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO plugin_audit_log")
	for _, e := range entries {
		prep.ExpectExec().
			WithArgs(e.PluginID, e.ChannelID, e.Direction, e.Type, e.Size, e.Timestamp).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	if err := d.AppendAuditLog(entries); err != nil {
		t.Fatalf("AppendAuditLog: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordViolation_InsertsRow(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	d := NewDatabaseForTesting(sqlDB)
	mock.ExpectExec("INSERT INTO plugin_violations").
		WithArgs("usb-logger", "high", "byte-rate-exceeded").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := d.RecordViolation("usb-logger", "high", "byte-rate-exceeded"); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateConfig_RejectsInvalidHost(t *testing.T) {
	err := validateConfig(Config{Host: "bad host!", Port: "5432", User: "u", DBName: "d"})
	if err == nil {
		t.Fatal("expected error for invalid host")
	}
}

func TestValidateConfig_RejectsOutOfRangePort(t *testing.T) {
	err := validateConfig(Config{Host: "localhost", Port: "99999", User: "u", DBName: "d"})
	if err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateConfig_AcceptsWellFormedConfig(t *testing.T) {
	err := validateConfig(Config{Host: "localhost", Port: "5432", User: "autoweaved", DBName: "autoweaved", SSLMode: "require"})
	if err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}
