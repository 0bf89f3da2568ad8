package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/amira/toolbridge/pkg/registry"
)

// DefaultAdobeURL is the Adobe PDF Services REST endpoint.
const DefaultAdobeURL = "https://pdf-services.adobe.io"

// PDFSplit splits a PDF into multiple documents by page ranges, using the
// Adobe PDF Services API for the actual split. Output files land in an
// "output" directory next to the input file.
type PDFSplit struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewPDFSplit creates the tool. baseURL is overridable for tests.
func NewPDFSplit(baseURL, clientID, clientSecret string, logger zerolog.Logger) *PDFSplit {
	if baseURL == "" {
		baseURL = DefaultAdobeURL
	}
	return &PDFSplit{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 60 * time.Second},
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
}

// Descriptor declares the split_pdf tool.
func (p *PDFSplit) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		Name: "split_pdf",
		Description: "Splits a PDF file into multiple documents based on page ranges. " +
			"Each range is a string like \"1-2\" (pages 1 through 2), \"4\" (just page 4) " +
			"or \"6-\" (page 6 to the end of the document).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {
					"type": "string",
					"description": "The local path to the PDF file to split"
				},
				"page_ranges": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Page ranges, one per output document, e.g. [\"1-2\", \"4\", \"6-\"]"
				}
			},
			"required": ["file_path", "page_ranges"]
		}`),
		Transport:     registry.TransportLocal,
		ProgressLabel: "Processing the PDF split request...",
	}
}

// pageRange is one output document's span. End 0 means to the last page.
type pageRange struct {
	Start int
	End   int
}

// parsePageRanges turns strings like "1-2", "4" and "6-" into spans.
func parsePageRanges(specs []string) ([]pageRange, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one page range is required")
	}

	ranges := make([]pageRange, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return nil, fmt.Errorf("empty page range")
		}

		if !strings.Contains(spec, "-") {
			page, err := strconv.Atoi(spec)
			if err != nil || page < 1 {
				return nil, fmt.Errorf("invalid page range %q", spec)
			}
			ranges = append(ranges, pageRange{Start: page, End: page})
			continue
		}

		parts := strings.SplitN(spec, "-", 2)

		start := 1
		if parts[0] != "" {
			var err error
			start, err = strconv.Atoi(parts[0])
			if err != nil || start < 1 {
				return nil, fmt.Errorf("invalid page range %q", spec)
			}
		}

		if parts[1] == "" {
			// Open ended, e.g. "6-"
			ranges = append(ranges, pageRange{Start: start})
			continue
		}

		end, err := strconv.Atoi(parts[1])
		if err != nil || end < start {
			return nil, fmt.Errorf("invalid page range %q", spec)
		}
		ranges = append(ranges, pageRange{Start: start, End: end})
	}

	return ranges, nil
}

// Handler uploads the file, runs the split job and downloads the pieces.
func (p *PDFSplit) Handler(ctx context.Context, args map[string]any) (map[string]any, error) {
	filePath, _ := args["file_path"].(string)
	if filePath == "" {
		return nil, fmt.Errorf("file_path is required")
	}

	specs, err := stringSliceArg(args, "page_ranges")
	if err != nil {
		return nil, err
	}
	ranges, err := parsePageRanges(specs)
	if err != nil {
		return nil, err
	}

	filePath, err = expandPath(filePath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, fmt.Errorf("file not found at path: %s", filePath)
	}

	input, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}

	outputDir := filepath.Join(filepath.Dir(filePath), "output")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	token, err := p.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	assetID, err := p.uploadAsset(ctx, token, input)
	if err != nil {
		return nil, err
	}

	location, err := p.submitSplit(ctx, token, assetID, ranges)
	if err != nil {
		return nil, err
	}

	downloadURIs, err := p.awaitResult(ctx, token, location)
	if err != nil {
		return nil, err
	}

	outputFiles := make([]string, 0, len(downloadURIs))
	for i, uri := range downloadURIs {
		outPath := filepath.Join(outputDir, fmt.Sprintf("split_%d.pdf", i+1))
		if err := p.download(ctx, uri, outPath); err != nil {
			return nil, err
		}
		outputFiles = append(outputFiles, outPath)
	}

	p.logger.Info().
		Str("file", filePath).
		Int("pieces", len(outputFiles)).
		Msg("PDF split finished")

	return map[string]any{"output_files": outputFiles}, nil
}

func (p *PDFSplit) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := p.doJSON(req, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("authentication failed: empty token")
	}
	return out.AccessToken, nil
}

func (p *PDFSplit) uploadAsset(ctx context.Context, token string, content []byte) (string, error) {
	body, _ := json.Marshal(map[string]string{"mediaType": "application/pdf"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/assets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	p.authHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		UploadURI string `json:"uploadUri"`
		AssetID   string `json:"assetID"`
	}
	if err := p.doJSON(req, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("asset creation failed: %w", err)
	}

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, out.UploadURI, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	put.Header.Set("Content-Type", "application/pdf")

	resp, err := p.client.Do(put)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}

	return out.AssetID, nil
}

func (p *PDFSplit) submitSplit(ctx context.Context, token, assetID string, ranges []pageRange) (string, error) {
	rangePayload := make([]map[string]int, 0, len(ranges))
	for _, r := range ranges {
		item := map[string]int{"start": r.Start}
		if r.End > 0 {
			item["end"] = r.End
		}
		rangePayload = append(rangePayload, item)
	}

	body, _ := json.Marshal(map[string]any{
		"assetID": assetID,
		"splitoption": map[string]any{
			"pageRanges": rangePayload,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/operation/splitpdf", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	p.authHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("split job submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("split job submission failed with status %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("split job submission returned no status location")
	}
	return location, nil
}

func (p *PDFSplit) awaitResult(ctx context.Context, token, location string) ([]string, error) {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		p.authHeaders(req, token)

		var out struct {
			Status string `json:"status"`
			Assets []struct {
				DownloadURI string `json:"downloadUri"`
			} `json:"assets"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := p.doJSON(req, http.StatusOK, &out); err != nil {
			return nil, fmt.Errorf("split job status check failed: %w", err)
		}

		switch out.Status {
		case "done":
			uris := make([]string, 0, len(out.Assets))
			for _, a := range out.Assets {
				uris = append(uris, a.DownloadURI)
			}
			if len(uris) == 0 {
				return nil, fmt.Errorf("split job finished without output assets")
			}
			return uris, nil
		case "failed":
			if out.Error != nil {
				return nil, fmt.Errorf("split job failed: %s", out.Error.Message)
			}
			return nil, fmt.Errorf("split job failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

func (p *PDFSplit) download(ctx context.Context, uri, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	return nil
}

func (p *PDFSplit) authHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", p.clientID)
}

func (p *PDFSplit) doJSON(req *http.Request, wantStatus int, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]any)
	if !ok {
		if typed, ok := args[key].([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
