package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/secrets"
)

// Generation parameters, fixed for catalog consistency. Changing any of
// these invalidates comparisons with previously generated assets.
const (
	seed                 = 0
	randomizeSeed        = true
	ssGuidanceStrength   = 18.0
	ssSamplingSteps      = 35
	slatGuidanceStrength = 9.0
	slatSamplingSteps    = 35
	meshSimplify         = 0.92
	textureSize          = 2048
)

const predictEndpoint = "/run/generate_wrapper"

// TrellisClient drives the image-to-3D generation API. The API is a gradio
// app behind HTTP basic auth: files are uploaded first, then referenced by
// server-side path in the predict call, and the resulting GLB is fetched
// back through the file endpoint.
type TrellisClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	log        *logging.Logger
}

// NewTrellisClient builds a client from the credentials bundle. The host,
// username and password come from the TRELLIS_API_HOST and RUNPOD_* secrets.
func NewTrellisClient(bundle *secrets.Bundle, log *logging.Logger) (*TrellisClient, error) {
	if err := bundle.Require(secrets.EnvTrellisAPIHost, secrets.EnvRunpodUsername, secrets.EnvRunpodPassword); err != nil {
		return nil, err
	}

	return &TrellisClient{
		baseURL:  "https://" + bundle.Get(secrets.EnvTrellisAPIHost),
		username: bundle.Get(secrets.EnvRunpodUsername),
		password: bundle.Get(secrets.EnvRunpodPassword),
		// Generation of a single model routinely takes several minutes.
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		log:        log,
	}, nil
}

// SetHTTPClient replaces the underlying client, for tests.
func (c *TrellisClient) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// SetBaseURL overrides the API base URL, for tests.
func (c *TrellisClient) SetBaseURL(u string) { c.baseURL = u }

type predictRequest struct {
	Data []interface{} `json:"data"`
}

type predictResponse struct {
	Data []json.RawMessage `json:"data"`
}

type fileRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Meta struct {
		Type string `json:"_type"`
	} `json:"meta"`
}

// Generate downloads the item image, runs it through the generation API and
// returns the path of the GLB fetched to local disk. The caller owns the
// returned file.
func (c *TrellisClient) Generate(ctx context.Context, imageURL string) (string, error) {
	imagePath, err := c.downloadImage(ctx, imageURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(imagePath)

	serverPath, err := c.uploadImage(ctx, imagePath)
	if err != nil {
		return "", err
	}

	glbServerPath, err := c.predict(ctx, serverPath)
	if err != nil {
		return "", err
	}

	return c.fetchGLB(ctx, glbServerPath)
}

// downloadImage fetches the catalog image to a temp file.
func (c *TrellisClient) downloadImage(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "trellis-image-*.jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp image: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// uploadImage pushes the image to the API's upload endpoint and returns the
// server-side path the predict call references.
func (c *TrellisClient) uploadImage(ctx context.Context, imagePath string) (string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filepath.Base(imagePath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to buffer image upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image upload returned status %d", resp.StatusCode)
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if len(paths) == 0 {
		return "", errors.New("upload response contained no file path")
	}
	return paths[0], nil
}

// predict runs the generation and returns the server-side GLB path. The
// response data carries a preview video first and the GLB second; only the
// GLB is used.
func (c *TrellisClient) predict(ctx context.Context, imageServerPath string) (string, error) {
	payload := predictRequest{Data: []interface{}{
		fileRef{Path: imageServerPath, Name: filepath.Base(imageServerPath)},
		seed,
		randomizeSeed,
		ssGuidanceStrength,
		ssSamplingSteps,
		slatGuidanceStrength,
		slatSamplingSteps,
		meshSimplify,
		textureSize,
	}}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal predict request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, predictEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.log != nil {
		c.log.Debug("calling generation endpoint", map[string]interface{}{"endpoint": predictEndpoint})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation returned status %d: %s", resp.StatusCode, raw)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if len(pr.Data) < 2 {
		return "", fmt.Errorf("generation response has %d outputs, want 2", len(pr.Data))
	}

	// The GLB output is either a bare path string or a file object.
	var glbPath string
	if err := json.Unmarshal(pr.Data[1], &glbPath); err != nil {
		var ref fileRef
		if err := json.Unmarshal(pr.Data[1], &ref); err != nil || ref.Path == "" {
			return "", errors.New("generation response has no GLB path")
		}
		glbPath = ref.Path
	}
	return glbPath, nil
}

// fetchGLB downloads the generated model to a local temp file.
func (c *TrellisClient) fetchGLB(ctx context.Context, serverPath string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/file="+url.PathEscape(serverPath), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch GLB: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GLB fetch returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "trellis-model-*.glb")
	if err != nil {
		return "", fmt.Errorf("failed to create temp GLB: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp GLB: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (c *TrellisClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	return req, nil
}
