package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/tickets/config"
	"example.com/backstage/services/tickets/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexSale indexes a completed ticket sale. The document id is the ticket
// id, so a refund can later mark the same document.
func (c *ElasticClient) IndexSale(ctx context.Context, ticket models.Ticket, event models.Event) error {
	doc := map[string]interface{}{
		"ticket_id": ticket.ID,
		"event_id":  event.ID,
		"organizer": event.Organizer,
		"owner":     ticket.Owner,
		"price":     event.Price,
		"sold_at":   ticket.CreatedAt.UTC().Format(time.RFC3339),
		"refunded":  false,
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sale document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: fmt.Sprintf("%d", ticket.ID),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Uint64("ticket_id", ticket.ID).Msg("sale indexed")
	return nil
}

// MarkRefunded flags an indexed sale as refunded
func (c *ElasticClient) MarkRefunded(ctx context.Context, ticketID uint64) error {
	update := map[string]interface{}{
		"doc": map[string]interface{}{
			"refunded":    true,
			"refunded_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	updateJSON, err := json.Marshal(update)
	if err != nil {
		return errors.Wrap(err, "failed to marshal refund update")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.UpdateRequest{
		Index:      indexName,
		DocumentID: fmt.Sprintf("%d", ticketID),
		Body:       bytes.NewReader(updateJSON),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch update request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch update error: %v", e)
	}

	log.Info().Uint64("ticket_id", ticketID).Msg("sale marked refunded")
	return nil
}

// SearchSales searches indexed sales with the given criteria
func (c *ElasticClient) SearchSales(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		docs = append(docs, source)
	}

	return docs, nil
}
