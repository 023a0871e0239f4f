package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"bustrack/internal/model"
)

const DefaultIndex = "bus-positions"

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type positionDoc struct {
	BusID     int       `json:"busId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Location  geoPoint  `json:"location"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newPositionDoc(rec model.PositionRecord) positionDoc {
	return positionDoc{
		BusID:     rec.BusID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Location:  geoPoint{Lat: rec.Latitude, Lon: rec.Longitude},
		Speed:     rec.Speed,
		Heading:   rec.Heading,
		Timestamp: rec.Timestamp.UTC(),
	}
}

// ElasticSink indexes each position as a history document.
type ElasticSink struct {
	client *elasticsearch.Client
	index  string
}

type ElasticConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

func NewElasticSink(cfg ElasticConfig) (*ElasticSink, error) {
	esCfg := elasticsearch.Config{Addresses: []string{cfg.URL}}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &ElasticSink{client: client, index: index}, nil
}

// Ping checks the cluster is reachable.
func (s *ElasticSink) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch info: %s", res.String())
	}
	return nil
}

func (s *ElasticSink) Name() string { return "elasticsearch" }

func (s *ElasticSink) Write(ctx context.Context, rec model.PositionRecord) error {
	body, err := json.Marshal(newPositionDoc(rec))
	if err != nil {
		return fmt.Errorf("marshal position doc: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: uuid.NewString(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("index position: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index position: %s", res.String())
	}
	return nil
}
