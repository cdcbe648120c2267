package servicecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"github.com/synaptica-ai/diagnosis/pkg/common/errs"
	"github.com/synaptica-ai/diagnosis/pkg/common/httpclient"
)

// Probe checks that one external service accepts the configured credentials.
type Probe interface {
	Name() string
	Label() string
	Check(ctx context.Context) error
}

// DefaultProbes returns the OpenAI, Pinecone and Weights & Biases probes.
func DefaultProbes(cfg Config, client *http.Client) []Probe {
	return []Probe{
		&OpenAIProbe{BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey, Client: client},
		&PineconeProbe{APIKey: cfg.PineconeAPIKey, Host: cfg.PineconeHost, Client: client},
		&WandbProbe{BaseURL: cfg.WandbBaseURL, APIKey: cfg.WandbAPIKey, Client: client},
	}
}

// OpenAIProbe lists the models visible to the API key.
type OpenAIProbe struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (p *OpenAIProbe) Name() string  { return "openai" }
func (p *OpenAIProbe) Label() string { return "OpenAI" }

func (p *OpenAIProbe) Check(ctx context.Context) error {
	base := p.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	url := strings.TrimRight(base, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.Bearer(ctx, p.Client, p.APIKey).Do(req)
	if err != nil {
		return errs.E(errs.KindExternalService, "servicecheck.openai", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.E(errs.KindExternalService, "servicecheck.openai", &httpclient.StatusError{URL: url, Status: resp.StatusCode})
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errs.E(errs.KindExternalService, "servicecheck.openai", fmt.Errorf("decoding model list: %w", err))
	}
	return nil
}

// PineconeProbe lists the indexes of the project.
type PineconeProbe struct {
	APIKey string
	Host   string
	Client *http.Client
}

func (p *PineconeProbe) Name() string  { return "pinecone" }
func (p *PineconeProbe) Label() string { return "Pinecone" }

func (p *PineconeProbe) Check(ctx context.Context) error {
	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey:     p.APIKey,
		Host:       p.Host,
		RestClient: p.Client,
		SourceTag:  "diagnosis_servicecheck",
	})
	if err != nil {
		return errs.E(errs.KindExternalService, "servicecheck.pinecone", err)
	}
	if _, err := pc.ListIndexes(ctx); err != nil {
		return errs.E(errs.KindExternalService, "servicecheck.pinecone", err)
	}
	return nil
}

// WandbProbe asks the W&B GraphQL API who owns the key.
type WandbProbe struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (p *WandbProbe) Name() string  { return "wandb" }
func (p *WandbProbe) Label() string { return "Weights & Biases" }

const viewerQuery = `query Viewer { viewer { id entity } }`

func (p *WandbProbe) Check(ctx context.Context) error {
	const op = "servicecheck.wandb"
	base := p.BaseURL
	if base == "" {
		base = "https://api.wandb.ai"
	}
	url := strings.TrimRight(base, "/") + "/graphql"
	payload, err := json.Marshal(map[string]string{"query": viewerQuery})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("api", p.APIKey)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errs.E(errs.KindExternalService, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.E(errs.KindExternalService, op, &httpclient.StatusError{URL: url, Status: resp.StatusCode})
	}

	var body struct {
		Data struct {
			Viewer *struct {
				ID     string `json:"id"`
				Entity string `json:"entity"`
			} `json:"viewer"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.E(errs.KindExternalService, op, err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return errs.E(errs.KindExternalService, op, fmt.Errorf("decoding viewer: %w", err))
	}
	if len(body.Errors) > 0 {
		return errs.Errorf(errs.KindExternalService, op, "%s", body.Errors[0].Message)
	}
	if body.Data.Viewer == nil {
		return errs.Errorf(errs.KindExternalService, op, "API key was not accepted")
	}
	return nil
}
