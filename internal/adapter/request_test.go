package adapter

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/gftdcojp/conditions-db/internal/tag"
	"github.com/gftdcojp/conditions-db/internal/types"
)

func TestResolve(t *testing.T) {
	q := types.Query{
		Flavors:      []string{"ofl"},
		MaxEntryTime: 500,
		Overrides:    []types.Override{{Prefix: "Calibrations/tpc", MaxEntryTime: 100}},
	}

	req, err := Resolve("sim+ofl:Calibrations/tpc/gain", q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req.Flavors, []string{"sim", "ofl"}) {
		t.Fatalf("path flavors should win, got %v", req.Flavors)
	}
	if req.Key() != "Calibrations/tpc/gain" {
		t.Fatalf("Key = %q", req.Key())
	}
	if req.MaxEntryTime != 100 {
		t.Fatalf("override not applied: %d", req.MaxEntryTime)
	}

	req, err = Resolve("Geometry/survey", q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req.Flavors, []string{"ofl"}) || req.MaxEntryTime != 500 {
		t.Fatalf("unexpected request %+v", req)
	}

	for _, bad := range []string{"", "a:b:c/d", "gain", "ofl:gain", "../outside/tpc/gain", "ofl:Calibrations/../../gain", "Calib-rations/gain"} {
		if _, err := Resolve(bad, q); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Resolve(%q) = %v, want invalid input", bad, err)
		}
	}
	if _, err := Resolve("Geometry/survey", types.Query{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected an error without flavors, got %v", err)
	}
}

func TestCleanTagPath(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"/Calibrations/tpc/ ", "Calibrations/tpc", true},
		{"Geometry", "Geometry", true},
		{"", "", false},
		{" / ", "", false},
		{"Calibrations//tpc", "", false},
		{"Calibrations/t-pc", "", false},
	}
	for _, tt := range tests {
		got, err := CleanTagPath(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("CleanTagPath(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanTagPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTableNames(t *testing.T) {
	parent, name := SplitTagPath("Calibrations/tpc/gain")
	if parent != "Calibrations/tpc" || name != "gain" {
		t.Fatalf("SplitTagPath = %q, %q", parent, name)
	}
	if parent, name := SplitTagPath("Geometry"); parent != "" || name != "Geometry" {
		t.Fatalf("SplitTagPath(top) = %q, %q", parent, name)
	}
	if got := TableName("/Calibrations/TPC/tpcGain/"); got != "calibrations_tpc_tpcgain" {
		t.Fatalf("TableName = %q", got)
	}
	if got := SchemaFileName("Calibrations/TPC/tpcGain"); got != "calibrations_tpc_tpcgain.json" {
		t.Fatalf("SchemaFileName = %q", got)
	}
}

func TestCollectSkipsMisses(t *testing.T) {
	get := func(_ context.Context, path string, _ types.Query) (*types.Payload, error) {
		switch path {
		case "ofl:A/b":
			return &types.Payload{Directory: "A", StructName: "b"}, nil
		case "A/c":
			return nil, Errorf(ErrNotFound, "miss")
		}
		return nil, errors.New("boom")
	}
	got := Collect(context.Background(), []string{"ofl:A/b", "A/c", "A/d"}, types.Query{}, get)
	if len(got) != 1 || got["A/b"] == nil {
		t.Fatalf("Collect = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := Collect(ctx, []string{"ofl:A/b"}, types.Query{}, get); len(got) != 0 {
		t.Fatalf("cancelled Collect returned %v", got)
	}
}

func TestUnfold(t *testing.T) {
	ix := tag.Build([]types.Tag{
		{ID: "1", Name: "Calibrations"},
		{ID: "2", Name: "tpc", PID: "1"},
		{ID: "3", Name: "gain", PID: "2", Mode: types.ModeTime},
		{ID: "4", Name: "pedestal", PID: "2", Mode: types.ModeTime},
		{ID: "5", Name: "Geometry"},
	})
	got := Unfold([]string{
		"sim:Calibrations",
		"Calibrations/tpc/gain",
		"Geometry",
		"Unknown/thing",
	}, ix)
	want := []string{
		"sim:Calibrations/tpc/gain",
		"sim:Calibrations/tpc/pedestal",
		"Calibrations/tpc/gain",
		"Geometry",
		"Unknown/thing",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Unfold =\n%v\nwant\n%v", got, want)
	}

	// Duplicates collapse.
	got = Unfold([]string{"Calibrations/tpc", "Calibrations/tpc/gain"}, ix)
	if !reflect.DeepEqual(got, []string{"Calibrations/tpc/gain", "Calibrations/tpc/pedestal"}) {
		t.Fatalf("Unfold dedupe = %v", got)
	}
}
