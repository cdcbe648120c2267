package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
	"google.golang.org/genai"
)

// GenAIEmbedder embeds texts with Google's Gemini embedding models.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string, dims int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errs.Errorf(errs.KindMissingConfiguration, "features.genai", "API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dims <= 0 {
		dims = 768
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, dims: dims}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	outDims := int32(e.dims)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             "CLASSIFICATION",
		OutputDimensionality: &outDims,
	})
	if err != nil {
		return nil, errs.E(errs.KindExternalService, "features.genai", err)
	}
	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	if len(vectors) != len(texts) {
		return nil, errs.Errorf(errs.KindExternalService, "features.genai", "%d embeddings for %d texts", len(vectors), len(texts))
	}
	return vectors, checkDims(e.Name(), e.dims, vectors)
}

func (e *GenAIEmbedder) Dimensions() int {
	return e.dims
}

func (e *GenAIEmbedder) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// OllamaEmbedder talks to a local Ollama server.
type OllamaEmbedder struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewOllamaEmbedder(endpoint, model string, dims int, client *http.Client) (*OllamaEmbedder, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if dims <= 0 {
		dims = 768
	}
	return &OllamaEmbedder{endpoint: strings.TrimRight(endpoint, "/"), model: model, dims: dims, client: client}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp ollamaEmbedResponse
	if err := postJSON(ctx, e.client, e.endpoint+"/api/embed", ollamaEmbedRequest{Model: e.model, Input: texts}, &resp); err != nil {
		return nil, errs.E(errs.KindExternalService, "features.ollama", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errs.Errorf(errs.KindExternalService, "features.ollama", "%d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, checkDims(e.Name(), e.dims, resp.Embeddings)
}

func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

func (e *OllamaEmbedder) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// OpenAIEmbedder calls an OpenAI compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func NewOpenAIEmbedder(ctx context.Context, baseURL, apiKey, model string, dims int, base *http.Client) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errs.Errorf(errs.KindMissingConfiguration, "features.openai", "API key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  httpclient.Bearer(ctx, base, apiKey),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openAIEmbedResponse
	req := openAIEmbedRequest{Model: e.model, Input: texts, Dimensions: e.dims}
	if err := postJSON(ctx, e.client, e.baseURL+"/embeddings", req, &resp); err != nil {
		return nil, errs.E(errs.KindExternalService, "features.openai", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errs.Errorf(errs.KindExternalService, "features.openai", "%d embeddings for %d texts", len(resp.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errs.Errorf(errs.KindExternalService, "features.openai", "embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, checkDims(e.Name(), e.dims, vectors)
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

func (e *OpenAIEmbedder) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
