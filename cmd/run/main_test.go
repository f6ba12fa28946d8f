package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo"
	"github.com/fumin/qcmpo/config"
	"github.com/fumin/qcmpo/integral"
)

func writeFCIDUMP(t *testing.T, dir string) string {
	const n = 4
	tt := integral.NewTInt(n)
	ts := make([]float64, tt.Size())
	for i := range n {
		ts[integral.TriIndex(i, i)] = -1
		if i > 0 {
			ts[integral.TriIndex(i, i-1)] = -0.5
		}
	}
	v := integral.NewV8Int(n)
	fd, err := integral.InitializeSU2(n, n, 0, 1, 0.5, ts, make([]float64, v.Size()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	fd.SetOrbSym([]uint8{1, 1, 1, 1})
	fpath := filepath.Join(dir, "chain.fcidump")
	if err := fd.Write(fpath); err != nil {
		t.Fatalf("%+v", err)
	}
	return fpath
}

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%+v", err)
	}
	return out.String()
}

func TestContract(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)
	fpath := writeFCIDUMP(t, dir)

	cfg := config.Default()
	cfg.Rule.NonBlocking = true
	cfgPath := filepath.Join(dir, "run.yaml")
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatalf("%+v", err)
	}

	runs := filepath.Join(dir, "runs")
	out := execute(t, "contract", "-c", cfgPath, "--fcidump", fpath, "--processes", "2", "--dir", runs, "--archive")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("%q", out)
	}

	entries, err := os.ReadDir(runs)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(lines[1], entries[0].Name()+",") {
		t.Fatalf("%v %q", entries, out)
	}
	runDir := filepath.Join(runs, entries[0].Name())
	for _, fname := range []string{fnameConfig, fnameDone, "operators.db"} {
		if _, err := os.Stat(filepath.Join(runDir, fname)); err != nil {
			t.Fatalf("%+v", err)
		}
	}
	b, err := os.ReadFile(filepath.Join(runDir, fnameResult))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	var results []qcmpo.Result
	if err := json.Unmarshal(b, &results); err != nil {
		t.Fatalf("%+v", err)
	}
	if len(results) != 2 || results[0].Archived == 0 {
		t.Fatalf("%#v", results)
	}

	saved, err := config.Load(filepath.Join(runDir, fnameConfig))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if saved.Processes != 2 || saved.FCIDUMP != fpath || !saved.Rule.NonBlocking {
		t.Fatalf("%#v", saved)
	}
}

func TestContractNoFCIDUMP(t *testing.T) {
	t.Parallel()
	cmd := newRootCommand(&bytes.Buffer{})
	cmd.SetArgs([]string{"contract", "--dir", t.TempDir()})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFCIDUMP(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)
	fpath := writeFCIDUMP(t, dir)

	out := execute(t, "fcidump", "info", fpath)
	for _, want := range []string{"norb 4\n", "nelec 4\n", "ecore 0.500000\n", "h1e 3 -1.000000\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("%q not in %q", want, out)
		}
	}

	dst := filepath.Join(dir, "converted.fcidump")
	execute(t, "fcidump", "convert", fpath, dst)
	src, err := integral.Read(fpath)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	converted, err := integral.Read(dst)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if !mat.Equal(src.OneBody(0), converted.OneBody(0)) || src.E != converted.E {
		t.Fatalf("%v, expected %v", mat.Formatted(converted.OneBody(0)), mat.Formatted(src.OneBody(0)))
	}
	if diff := cmp.Diff(src.OrbSym(), converted.OrbSym()); diff != "" {
		t.Fatalf("%s", diff)
	}
}
