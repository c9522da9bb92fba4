// Package es 提供了聊天记录归档与检索使用的 Elasticsearch 客户端。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/internal/model"
	"fmc-chatbot-go/pkg/log"
)

const historyMapping = `{
	"mappings": {
		"properties": {
			"record_id": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"message_id": { "type": "keyword" },
			"type": { "type": "keyword" },
			"message": { "type": "text" },
			"response": { "type": "text" },
			"score": { "type": "float" },
			"is_ai_retry": { "type": "boolean" },
			"timestamp": { "type": "date", "format": "epoch_millis" }
		}
	}
}`

// NewClient 根据配置创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
}

// HistoryIndex 把聊天记录写入索引并提供全文检索。
type HistoryIndex struct {
	client *elasticsearch.Client
	index  string
}

func NewHistoryIndex(client *elasticsearch.Client, index string) *HistoryIndex {
	return &HistoryIndex{client: client, index: index}
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它。
func (h *HistoryIndex) EnsureIndex(ctx context.Context) error {
	res, err := h.client.Indices.Exists([]string{h.index}, h.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", h.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = h.client.Indices.Create(
		h.index,
		h.client.Indices.Create.WithBody(strings.NewReader(historyMapping)),
		h.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", h.index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}
	log.Infof("索引 '%s' 创建成功", h.index)
	return nil
}

// Archive 将一条聊天记录索引到 Elasticsearch。
func (h *HistoryIndex) Archive(ctx context.Context, record model.ChatHistoryRecord) error {
	doc := model.EsChatDocument{
		RecordID:       record.ID,
		ConversationID: record.ConversationID,
		MessageID:      record.MessageID,
		Type:           string(record.Type),
		Message:        record.Message,
		Response:       record.Response,
		Score:          record.Score,
		IsAIRetry:      record.IsAIRetry,
		Timestamp:      record.Timestamp.UnixMilli(),
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      h.index,
		DocumentID: doc.RecordID,
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, h.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index chat record: %s", res.String())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source model.EsChatDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 在消息和回复中做全文检索，按时间倒序返回。
func (h *HistoryIndex) Search(ctx context.Context, query string, size int) ([]model.HistorySearchResult, error) {
	if size <= 0 {
		size = 20
	}
	body := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"message", "response"},
			},
		},
		"sort": []map[string]interface{}{
			{"timestamp": map[string]string{"order": "desc"}},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	res, err := h.client.Search(
		h.client.Search.WithContext(ctx),
		h.client.Search.WithIndex(h.index),
		h.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search chat history failed: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	results := make([]model.HistorySearchResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		d := hit.Source
		results = append(results, model.HistorySearchResult{
			ConversationID: d.ConversationID,
			MessageID:      d.MessageID,
			Type:           d.Type,
			Message:        d.Message,
			Response:       d.Response,
			Score:          d.Score,
			Timestamp:      d.Timestamp,
		})
	}
	return results, nil
}
