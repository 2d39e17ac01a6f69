package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "skyfold.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	request := []byte(`{"counts":[1,2,3],"exposure":1e10}`)
	require.NoError(t, s.Create(ctx, "fit_1", "pending", request))

	rec, err := s.Get(ctx, "fit_1")
	require.NoError(t, err)
	assert.Equal(t, "pending", rec.Status)
	assert.Equal(t, Checksum(request), rec.RequestHash)

	require.NoError(t, s.UpdateStatus(ctx, "fit_1", "running"))

	model := json.RawMessage(`[{"name":"spectral.norm","value":2.5,"error":0.1}]`)
	require.NoError(t, s.SaveResult(ctx, "fit_1", "completed", true, 1234.5, "nelder-mead", model))

	rec, err = s.Get(ctx, "fit_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.True(t, rec.Success)
	assert.InDelta(t, 1234.5, rec.TotalStat, 1e-9)
	assert.Equal(t, "nelder-mead", rec.Backend)
	assert.JSONEq(t, string(model), string(rec.Model))
}

func TestStoreRequestRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// A payload long enough for compression to matter.
	request := make([]byte, 0, 4096)
	for i := 0; i < 512; i++ {
		request = append(request, []byte(`0.25e10,`)...)
	}
	require.NoError(t, s.Create(ctx, "fit_2", "pending", request))

	back, err := s.Request(ctx, "fit_2")
	require.NoError(t, err)
	assert.Equal(t, request, back)
}

func TestStoreNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", "running"), ErrNotFound)
}

func TestStoreList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "fit_a", "pending", []byte("a")))
	require.NoError(t, s.Create(ctx, "fit_b", "pending", []byte("b")))

	records, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCodecRoundTrip(t *testing.T) {
	data := []byte("the same eight bytes repeated: the same eight bytes repeated")
	compressed := Compress(data)
	back, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, back)

	_, err = Decompress([]byte("definitely not zstd"))
	assert.Error(t, err)

	assert.Len(t, Checksum(data), 16)
	assert.Equal(t, Checksum(data), Checksum(append([]byte(nil), data...)))
}
