/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import "testing"

type testHostDoc struct {
	Global struct {
		Bucket_Count int
		Log_Level    string
	}
	Plugin map[string]*VariableConfig
}

func TestLoadConfigBytes(t *testing.T) {
	b := []byte(`
	[global]
	bucket-count = 128
	log-level = "WARN"

	[plugin "audit"]
		target-addr = 0x1000
		footprint = 16
	`)
	var doc testHostDoc
	if err := LoadConfigBytes(&doc, b); err != nil {
		t.Fatal(err)
	}
	if doc.Global.Bucket_Count != 128 {
		t.Fatalf("bad bucket count: %d", doc.Global.Bucket_Count)
	}
	if doc.Global.Log_Level != `WARN` {
		t.Fatalf("bad log level: %q", doc.Global.Log_Level)
	}

	vc, ok := doc.Plugin[`audit`]
	if !ok || vc == nil {
		t.Fatal("missing plugin section")
	}
	var pc struct {
		Target_Addr string
		Footprint   int
	}
	if err := vc.MapTo(&pc); err != nil {
		t.Fatal(err)
	}
	if pc.Footprint != 16 {
		t.Fatalf("bad footprint: %d", pc.Footprint)
	}
	addr, err := ParseUint64(pc.Target_Addr)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1000 {
		t.Fatalf("bad target addr: %#x", addr)
	}
}

func TestLoadConfigBytesTooLarge(t *testing.T) {
	big := make([]byte, maxConfigSize+1)
	var doc testHostDoc
	if err := LoadConfigBytes(&doc, big); err != ErrConfigFileTooLarge {
		t.Fatalf("expected ErrConfigFileTooLarge, got %v", err)
	}
}
