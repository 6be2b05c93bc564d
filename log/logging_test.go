/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fileLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	pth := filepath.Join(t.TempDir(), `test.log`)
	lgr, err := NewFile(pth)
	if err != nil {
		t.Fatal(err)
	}
	return lgr, pth
}

func readLog(t *testing.T, pth string) string {
	t.Helper()
	bts, err := os.ReadFile(pth)
	if err != nil {
		t.Fatal(err)
	}
	return string(bts)
}

func TestLevelGate(t *testing.T) {
	lgr, pth := fileLogger(t)
	if err := lgr.SetLevel(WARN); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Infof("suppressed: %d", 1); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Warnf("admitted: %d", 2); err != nil {
		t.Fatal(err)
	}
	if err := lgr.SetLevel(OFF); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Criticalf("gone: %d", 3); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}

	s := readLog(t, pth)
	if strings.Contains(s, "suppressed: 1") {
		t.Fatal("info leaked past WARN gate: ", s)
	}
	if !strings.Contains(s, "admitted: 2\n") {
		t.Fatal("missing warn line: ", s)
	}
	if strings.Contains(s, "gone: 3") {
		t.Fatal("OFF gate leaked: ", s)
	}
}

func TestStructuredKV(t *testing.T) {
	lgr, pth := fileLogger(t)
	if err := lgr.Error("tester", KV("id", 99)); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}

	s := readLog(t, pth)
	if !strings.Contains(s, "tester") || !strings.Contains(s, `id="99"`) {
		t.Fatal("missing structured value: ", s)
	}
	if strings.Contains(s, "\n\n") {
		t.Fatalf("double newline in output:\n%q\n", s)
	}
}

func TestSetLevelString(t *testing.T) {
	lgr, _ := fileLogger(t)
	defer lgr.Close()
	if err := lgr.SetLevelString(` warn `); err != nil {
		t.Fatal(err)
	}
	if lgr.GetLevel() != WARN {
		t.Fatalf("unexpected level: %v", lgr.GetLevel())
	}
	if err := lgr.SetLevelString(`NOPE`); err != ErrInvalidLevel {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestAddWriter(t *testing.T) {
	lgr, pth := fileLogger(t)
	second := filepath.Join(t.TempDir(), `second.log`)
	fout, err := os.Create(second)
	if err != nil {
		t.Fatal(err)
	}
	if err := lgr.AddWriter(fout); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Errorf("both: %d", 7); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}

	if s := readLog(t, pth); !strings.Contains(s, "both: 7") {
		t.Fatal("first writer missed the line: ", s)
	}
	if s := readLog(t, second); !strings.Contains(s, "both: 7") {
		t.Fatal("second writer missed the line: ", s)
	}
}

func TestClosedLoggerRefuses(t *testing.T) {
	lgr, _ := fileLogger(t)
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Infof("late"); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := lgr.Close(); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen on double close, got %v", err)
	}
}

func TestDiscardLogger(t *testing.T) {
	lgr := NewDiscardLogger()
	if err := lgr.Infof("nowhere: %d", 1); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStdLibLogger(t *testing.T) {
	lgr, pth := fileLogger(t)

	slogger := slog.New(lgr)
	slogger.LogAttrs(context.Background(), slog.LevelError, "testing", slog.Attr{Key: `testkey`, Value: slog.AnyValue(99)})

	stdlg := lgr.StandardLogger()
	stdlg.Println("testing2")

	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}

	s := readLog(t, pth)
	if !strings.Contains(s, "testing\n") {
		t.Fatal("missing slog line: ", s)
	}
	if !strings.Contains(s, `testkey="99"`) {
		t.Fatal("missing slog attr: ", s)
	}
	if !strings.Contains(s, "testing2\n") {
		t.Fatal("missing stdlib line: ", s)
	}
}

func TestSlogGroupAndAttrs(t *testing.T) {
	lgr, pth := fileLogger(t)

	slogger := slog.New(lgr).WithGroup(`chain`).With(slog.String(`addr`, `0x1000`))
	slogger.Warn("drained")

	if err := lgr.Close(); err != nil {
		t.Fatal(err)
	}

	s := readLog(t, pth)
	if !strings.Contains(s, "drained") || !strings.Contains(s, `chain.addr="0x1000"`) {
		t.Fatal("missing grouped attr: ", s)
	}
}
