package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingImporter struct {
	tags    []string
	schemas []string
	failTag string
}

func (r *recordingImporter) ImportTag(_ context.Context, rec types.TagRecord) (string, error) {
	if rec.ID == r.failTag {
		return "", Errorf(ErrConflict, "exists")
	}
	r.tags = append(r.tags, rec.ID)
	return rec.ID, nil
}

func (r *recordingImporter) SetTagSchema(_ context.Context, path, _ string) error {
	r.schemas = append(r.schemas, path)
	return nil
}

func TestExportImport(t *testing.T) {
	records := []types.TagRecord{
		{ID: "c", Name: "Calibrations", Path: "Calibrations"},
		{ID: "g", PID: "c", Name: "gain", Mode: types.ModeTime, Schema: "s1", Path: "Calibrations/gain"},
		{ID: "p", PID: "c", Name: "ped", Mode: types.ModeTime, Schema: "s2", Path: "Calibrations/ped"},
	}
	getSchema := func(_ context.Context, path string) (string, error) {
		if path == "Calibrations/ped" {
			return "", Errorf(ErrNotFound, "gone")
		}
		return `{"type":"object"}`, nil
	}

	data, err := BuildExport(context.Background(), records, true, true, getSchema)
	require.NoError(t, err)

	var doc ExportDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, ExportType, doc.ExportType)
	assert.NotZero(t, doc.ExportTimestamp)
	assert.Len(t, doc.Tags, 3)
	require.Len(t, doc.Schemas, 1)
	assert.Equal(t, SchemaRecord{ID: "s1", PID: "g", Path: "Calibrations/gain", Data: `{"type":"object"}`}, doc.Schemas[0])

	imp := &recordingImporter{failTag: "p"}
	err = ApplyImport(context.Background(), imp, data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, []string{"c", "g"}, imp.tags)
	assert.Equal(t, []string{"Calibrations/gain"}, imp.schemas)

	schemasOnly, err := BuildExport(context.Background(), records, false, true, getSchema)
	require.NoError(t, err)
	doc = ExportDocument{}
	require.NoError(t, json.Unmarshal(schemasOnly, &doc))
	assert.Empty(t, doc.Tags)
}

func TestExportErrors(t *testing.T) {
	_, err := BuildExport(context.Background(), nil, true, true, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = BuildExport(context.Background(), []types.TagRecord{{ID: "x"}}, false, false, nil)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	for _, bad := range []string{"", "{", `{"export_type":"other"}`} {
		_, err := ParseExport([]byte(bad))
		assert.True(t, errors.Is(err, ErrInvalidInput), bad)
	}
	doc, err := ParseExport([]byte(`{"tags":[{"id":"a","name":"A"}]}`))
	require.NoError(t, err)
	assert.Len(t, doc.Tags, 1)
}
