package persist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
)

func TestElasticSink_IndexesDocument(t *testing.T) {
	var (
		gotPath string
		gotDoc  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotDoc)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	sink, err := NewElasticSink(ElasticConfig{URL: srv.URL})
	require.NoError(t, err)

	speed := 12.0
	err = sink.Write(context.Background(), model.PositionRecord{
		BusID: 4,
		Position: model.Position{
			Latitude: 10.5, Longitude: -3.25, Speed: &speed,
			Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotPath, "/"+DefaultIndex+"/_doc/"), gotPath)
	assert.EqualValues(t, 4, gotDoc["busId"])
	loc, ok := gotDoc["location"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10.5, loc["lat"])
	assert.Equal(t, -3.25, loc["lon"])
	assert.NotContains(t, gotDoc, "heading")
}

func TestElasticSink_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	sink, err := NewElasticSink(ElasticConfig{URL: srv.URL, Index: "history"})
	require.NoError(t, err)
	err = sink.Write(context.Background(), rec(1))
	assert.Error(t, err)
}

func TestDecodeLatest(t *testing.T) {
	heading := 90.0
	in := model.PositionRecord{BusID: 3, Position: model.Position{
		Latitude: 1.5, Longitude: 2.5, Heading: &heading,
		Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}}
	data, err := json.Marshal(newPositionDoc(in))
	require.NoError(t, err)

	out, err := decodeLatest(data)
	require.NoError(t, err)
	assert.Equal(t, in.BusID, out.BusID)
	assert.Nil(t, out.Speed)
	require.NotNil(t, out.Heading)
	assert.Equal(t, 90.0, *out.Heading)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, "bus:latest:3", latestKey(3))
}
