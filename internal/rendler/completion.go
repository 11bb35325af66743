package rendler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Completion is the decoded output of a finished task. It is either a CrawlResult or a
// RenderResult.
type Completion interface {
	CompletionTaskID() string
	CompletionKind() TaskKind
}

// CrawlResult carries the outbound links discovered on a crawled page.
type CrawlResult struct {
	TaskID string   `json:"taskId"`
	URL    string   `json:"url"`
	Links  []string `json:"links"`
}

// CompletionTaskID implements Completion.
func (r CrawlResult) CompletionTaskID() string { return r.TaskID }

// CompletionKind implements Completion.
func (CrawlResult) CompletionKind() TaskKind { return KindCrawl }

// RenderResult carries the location of a rendered page image.
type RenderResult struct {
	TaskID   string `json:"taskId"`
	URL      string `json:"url"`
	ImageURL string `json:"imageUrl"`
}

// CompletionTaskID implements Completion.
func (r RenderResult) CompletionTaskID() string { return r.TaskID }

// CompletionKind implements Completion.
func (RenderResult) CompletionKind() TaskKind { return KindRender }

// DecodeCompletion decodes a completion message using the originating executor identity
// to select the payload shape.
func DecodeCompletion(executorID string, data []byte) (Completion, error) {
	kind, err := KindForExecutor(executorID)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindCrawl:
		var res CrawlResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("%w: decode crawl result: %v", ErrMalformedPayload, err)
		}
		if err := validatePayload(res.TaskID, res.URL); err != nil {
			return nil, err
		}
		return res, nil
	default:
		var res RenderResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("%w: decode render result: %v", ErrMalformedPayload, err)
		}
		if err := validatePayload(res.TaskID, res.URL); err != nil {
			return nil, err
		}
		if strings.TrimSpace(res.ImageURL) == "" {
			return nil, fmt.Errorf("%w: render result missing imageUrl", ErrMalformedPayload)
		}
		return res, nil
	}
}

// EncodeCompletion marshals a completion into its wire form.
func EncodeCompletion(c Completion) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode completion: %w", err)
	}
	return data, nil
}

func validatePayload(taskID, url string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("%w: missing taskId", ErrMalformedPayload)
	}
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("%w: missing url", ErrMalformedPayload)
	}
	return nil
}
